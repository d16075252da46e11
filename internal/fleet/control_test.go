// ABOUTME: Tests for the HTTP and exec restart controllers.
// ABOUTME: The HTTP controller is exercised against an httptest control endpoint.

package fleet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/config"
)

func TestHTTPController(t *testing.T) {
	var mu sync.Mutex
	replies := map[string]string{}
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		reply := replies[r.URL.Path]
		mu.Unlock()

		if reply == "teapot" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(reply))
	}))
	defer srv.Close()

	ctrl, err := newController(config.ControlConfig{Type: config.ControlHTTP, URL: srv.URL + "/ctl/"}, srv.Client())
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		reply   string
		call    func(context.Context) (bool, error)
		wantOK  bool
		wantErr string
	}{
		{"explicit ok", "/ctl/stop", `{"ok":true}`, ctrl.Stop, true, ""},
		{"explicit failure", "/ctl/stop", `{"ok":false,"error":"worker busy"}`, ctrl.Stop, false, "worker busy"},
		{"ambiguous empty body", "/ctl/stop", ``, ctrl.Stop, false, ""},
		{"ambiguous object", "/ctl/stop", `{}`, ctrl.Stop, false, ""},
		{"garbage", "/ctl/start", `<html>`, ctrl.Start, false, "decode start response"},
		{"http status", "/ctl/start", `teapot`, ctrl.Start, false, "HTTP 418"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			replies[tt.path] = tt.reply
			mu.Unlock()
			ok, err := tt.call(context.Background())
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "POST /ctl/stop", seen[0])
}

func TestExecController(t *testing.T) {
	ctrl, err := newController(config.ControlConfig{
		Type:  config.ControlExec,
		Stop:  []string{"sh", "-c", "echo stopping"},
		Start: []string{"sh", "-c", "echo no such container >&2; exit 3"},
	}, nil)
	require.NoError(t, err)

	ok, err := ctrl.Stop(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = ctrl.Start(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such container")
}

func TestNewControllerTypes(t *testing.T) {
	ctrl, err := newController(config.ControlConfig{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, ctrl)

	_, err = newController(config.ControlConfig{Type: "ipmi"}, nil)
	assert.Error(t, err)
}
