// ABOUTME: Probe strategies, one per target kind: builtin, http, grpc, tcp and redis.
// ABOUTME: Transport absence is wrapped in ErrUnreachable; anything else is a real error.

package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-fleet/internal/config"
)

// checkFunc performs the primary liveness check for one target.
type checkFunc func(ctx context.Context, spec config.TargetConfig) error

func (p *Prober) defaultChecks() map[string]checkFunc {
	return map[string]checkFunc{
		config.KindBuiltin: p.checkBuiltin,
		config.KindHTTP:    p.checkHTTP,
		config.KindGRPC:    checkGRPC,
		config.KindTCP:     checkTCP,
		config.KindRedis:   checkRedis,
	}
}

// absent reports whether err means nothing answered, as opposed to
// something answering badly.
func absent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func unreachable(err error) error {
	if absent(err) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

func (p *Prober) checkBuiltin(ctx context.Context, _ config.TargetConfig) error {
	if p.catalogSize == nil {
		return errors.New("no in-process capability source")
	}
	return ctx.Err()
}

func (p *Prober) checkHTTP(ctx context.Context, spec config.TargetConfig) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return unreachable(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("liveness endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func checkGRPC(ctx context.Context, spec config.TargetConfig) error {
	conn, err := grpc.NewClient(hostPort(spec.URL),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("grpc client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

func checkTCP(ctx context.Context, spec config.TargetConfig) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort(spec.URL))
	if err != nil {
		return unreachable(err)
	}
	return conn.Close()
}

func checkRedis(ctx context.Context, spec config.TargetConfig) error {
	opts, err := redisOptions(spec.URL)
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return unreachable(err)
	}
	return nil
}

func redisOptions(raw string) (*redis.Options, error) {
	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.MaxRetries = -1
		return opts, nil
	}
	return &redis.Options{Addr: raw, MaxRetries: -1}, nil
}

// hostPort strips a scheme from raw, so "tcp://host:1" and "host:1" both work.
func hostPort(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
