// ABOUTME: Tests for extracting liveness metrics from JSON bodies with gjson paths.

package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMetric(t *testing.T) {
	tests := []struct {
		name string
		body string
		path string
		want float64
	}{
		{"array count", `{"tools":[1,2,3]}`, "tools.#", 3},
		{"nested number", `{"sessions":{"active":12}}`, "sessions.active", 12},
		{"array without count", `{"workers":["a","b"]}`, "workers", 2},
		{"numeric string", `{"workers":"4"}`, "workers", 4},
		{"bare number", `42`, "", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractMetric([]byte(tt.body), tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("failures", func(t *testing.T) {
		_, err := extractMetric([]byte(`{"a":1}`), "b")
		assert.ErrorContains(t, err, "not found")
		_, err = extractMetric([]byte(`{"a":{"b":1}}`), "a")
		assert.ErrorContains(t, err, "not numeric")
		_, err = extractMetric([]byte(`{"a":"many"}`), "a")
		assert.ErrorContains(t, err, "not numeric")
		_, err = extractMetric([]byte(`{nope`), "a")
		assert.ErrorContains(t, err, "invalid JSON")
	})
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1:50051", hostPort("grpc://10.0.0.1:50051"))
	assert.Equal(t, "localhost:6379", hostPort("localhost:6379"))
	assert.Equal(t, "db:5432", hostPort("tcp://db:5432/"))
}
