// ABOUTME: Secondary liveness metric readers: catalog size, JSON metric endpoints, and TCP sessions.
// ABOUTME: A metric failure is reported to the caller but never changes the probe verdict.

package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-fleet/internal/config"
)

// maxMetricBody bounds a metric endpoint response.
const maxMetricBody = 1 << 20

// errNoMetric means the target has no metric configured.
var errNoMetric = errors.New("no metric configured")

func (p *Prober) readMetric(ctx context.Context, spec config.TargetConfig) (float64, error) {
	switch {
	case spec.Kind == config.KindBuiltin:
		return float64(p.catalogSize()), nil
	case spec.Metric.URL != "":
		return p.fetchJSONMetric(ctx, spec.Metric)
	case spec.Kind == config.KindTCP:
		return p.sessions(ctx, spec)
	default:
		return 0, errNoMetric
	}
}

func (p *Prober) fetchJSONMetric(ctx context.Context, m config.MetricConfig) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("metric endpoint returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetricBody))
	if err != nil {
		return 0, fmt.Errorf("read metric: %w", err)
	}
	return extractMetric(body, m.Path)
}

// extractMetric pulls a number out of body at a gjson path. Arrays count
// their elements; numeric strings are accepted.
func extractMetric(body []byte, path string) (float64, error) {
	if !gjson.ValidBytes(body) {
		return 0, errors.New("metric endpoint returned invalid JSON")
	}
	if path == "" {
		path = "@this"
	}

	res := gjson.GetBytes(body, path)
	switch {
	case !res.Exists():
		return 0, fmt.Errorf("metric path %q not found", path)
	case res.Type == gjson.Number:
		return res.Float(), nil
	case res.IsArray():
		return float64(len(res.Array())), nil
	case res.Type == gjson.String:
		v, err := strconv.ParseFloat(res.Str, 64)
		if err != nil {
			return 0, fmt.Errorf("metric path %q is not numeric", path)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("metric path %q is not numeric", path)
	}
}

// sessions counts established connections whose local port is the target's.
func (p *Prober) sessions(ctx context.Context, spec config.TargetConfig) (float64, error) {
	_, portStr, err := net.SplitHostPort(hostPort(spec.URL))
	if err != nil {
		return 0, fmt.Errorf("target address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("target port: %w", err)
	}

	conns, err := p.connections(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("list connections: %w", err)
	}
	n := 0
	for _, c := range conns {
		if c.Status == "ESTABLISHED" && c.Laddr.Port == uint32(port) {
			n++
		}
	}
	return float64(n), nil
}

// connectionsFunc lists sockets; swapped in tests.
type connectionsFunc func(ctx context.Context, kind string) ([]psnet.ConnectionStat, error)
