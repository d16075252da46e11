// ABOUTME: Stop/start controllers used by Restart: OS service manager, HTTP control endpoint, and exec.
// ABOUTME: Each step reports ok explicitly; (false, nil) is an ambiguous result and counts as failure.

package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	kardianos "github.com/kardianos/service"

	"github.com/2389/coven-fleet/internal/config"
)

// Controller stops and starts one target.
type Controller interface {
	Stop(ctx context.Context) (ok bool, err error)
	Start(ctx context.Context) (ok bool, err error)
}

func newController(spec config.ControlConfig, client *http.Client) (Controller, error) {
	switch spec.Type {
	case "":
		return nil, nil
	case config.ControlService:
		return newServiceController(spec.Service)
	case config.ControlHTTP:
		return &httpController{base: strings.TrimRight(spec.URL, "/"), client: client}, nil
	case config.ControlExec:
		return &execController{stop: spec.Stop, start: spec.Start}, nil
	default:
		return nil, fmt.Errorf("unknown control type %q", spec.Type)
	}
}

// httpController posts to <base>/stop and <base>/start, which answer {"ok": bool, "error": string}.
type httpController struct {
	base   string
	client *http.Client
}

type controlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *httpController) Stop(ctx context.Context) (bool, error)  { return c.post(ctx, "stop") }
func (c *httpController) Start(ctx context.Context) (bool, error) { return c.post(ctx, "start") }

func (c *httpController) post(ctx context.Context, step string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+step, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("build %s request: %w", step, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, fmt.Errorf("read %s response: %w", step, err)
	}

	var reply controlReply
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			return false, fmt.Errorf("decode %s response: %w", step, err)
		}
	}
	if reply.Error != "" {
		return false, errors.New(reply.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%s endpoint returned HTTP %d", step, resp.StatusCode)
	}
	return reply.OK, nil
}

// execController runs configured commands, e.g. ["docker", "stop", "worker"].
type execController struct {
	stop  []string
	start []string
}

func (c *execController) Stop(ctx context.Context) (bool, error)  { return run(ctx, c.stop) }
func (c *execController) Start(ctx context.Context) (bool, error) { return run(ctx, c.start) }

func run(ctx context.Context, argv []string) (bool, error) {
	if len(argv) == 0 {
		return false, errors.New("no command configured")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return false, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return false, fmt.Errorf("%s: %w", argv[0], err)
	}
	return true, nil
}

// serviceController drives an installed OS service. Success is confirmed by
// the service manager's status, not by the absence of an error.
type serviceController struct {
	svc kardianos.Service
}

// noop satisfies kardianos.Interface; this process never runs the service.
type noop struct{}

func (noop) Start(kardianos.Service) error { return nil }
func (noop) Stop(kardianos.Service) error  { return nil }

func newServiceController(name string) (*serviceController, error) {
	svc, err := kardianos.New(noop{}, &kardianos.Config{Name: name})
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", name, err)
	}
	return &serviceController{svc: svc}, nil
}

func (c *serviceController) Stop(ctx context.Context) (bool, error) {
	return c.step(ctx, c.svc.Stop, kardianos.StatusStopped)
}

func (c *serviceController) Start(ctx context.Context) (bool, error) {
	return c.step(ctx, c.svc.Start, kardianos.StatusRunning)
}

func (c *serviceController) step(ctx context.Context, do func() error, want kardianos.Status) (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := do(); err != nil {
			done <- result{err: err}
			return
		}
		st, err := c.svc.Status()
		done <- result{ok: err == nil && st == want}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
