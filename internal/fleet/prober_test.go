// ABOUTME: Tests for probe strategies, status resolution, ProbeAll isolation, and roster replacement.
// ABOUTME: Uses httptest, an in-process gRPC health server, raw TCP listeners, and a fake RESP server.

package fleet

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-fleet/internal/broadcast"
	"github.com/2389/coven-fleet/internal/config"
)

type recorder struct {
	mu      sync.Mutex
	notices []broadcast.Notice
}

func (r *recorder) Publish(n broadcast.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) kindsFor(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		if n.ID == id {
			out = append(out, n.Kind)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProber(t *testing.T, targets ...config.TargetConfig) (*Prober, *recorder) {
	t.Helper()
	rec := &recorder{}
	p, err := New(Config{
		Targets:      targets,
		ProbeTimeout: 300 * time.Millisecond,
		StopTimeout:  300 * time.Millisecond,
		CatalogSize:  func() int { return 7 },
		Publisher:    rec,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	p.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return p, rec
}

// deadAddr returns a loopback address with nothing listening.
func deadAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestProbeBuiltin(t *testing.T) {
	p, _ := newTestProber(t, config.TargetConfig{ID: "core", Kind: config.KindBuiltin})

	got, err := p.ProbeOne(context.Background(), "core")
	require.NoError(t, err)

	assert.Equal(t, StatusConnected, got.Status)
	require.NotNil(t, got.ToolCount)
	assert.Equal(t, 7, *got.ToolCount)
	require.NotNil(t, got.MetricValue)
	assert.Equal(t, float64(7), *got.MetricValue)
	assert.NotNil(t, got.LastPing)
	assert.Equal(t, "core", got.Name)
}

func TestProbeBuiltinWithoutCatalog(t *testing.T) {
	p, err := New(Config{Targets: []config.TargetConfig{{ID: "core", Kind: config.KindBuiltin}}, Logger: testLogger()})
	require.NoError(t, err)

	got, err := p.ProbeOne(context.Background(), "core")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
}

func TestProbeHTTP(t *testing.T) {
	t.Run("healthy with metric", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/tools" {
				_, _ = w.Write([]byte(`{"tools":[{"name":"a"},{"name":"b"},{"name":"c"}]}`))
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		p, _ := newTestProber(t, config.TargetConfig{
			ID: "mcp", Kind: config.KindHTTP, URL: srv.URL + "/health",
			Metric: config.MetricConfig{URL: srv.URL + "/tools", Path: "tools.#", Kind: "tools"},
		})

		got, err := p.ProbeOne(context.Background(), "mcp")
		require.NoError(t, err)
		assert.Equal(t, StatusConnected, got.Status)
		assert.Empty(t, got.Error)
		require.NotNil(t, got.ResponseTimeMs)
		assert.GreaterOrEqual(t, *got.ResponseTimeMs, int64(0))
		require.NotNil(t, got.ToolCount)
		assert.Equal(t, 3, *got.ToolCount)
	})

	t.Run("metric failure keeps verdict", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/stats" {
				w.WriteHeader(http.StatusInternalServerError)
			}
		}))
		defer srv.Close()

		p, _ := newTestProber(t, config.TargetConfig{
			ID: "gw", Kind: config.KindHTTP, URL: srv.URL,
			Metric: config.MetricConfig{URL: srv.URL + "/stats", Path: "sessions.active"},
		})

		got, _ := p.ProbeOne(context.Background(), "gw")
		assert.Equal(t, StatusConnected, got.Status)
		assert.Nil(t, got.MetricValue)
		assert.NotNil(t, got.ResponseTimeMs)
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p, _ := newTestProber(t, config.TargetConfig{ID: "gw", Kind: config.KindHTTP, URL: srv.URL})
		got, _ := p.ProbeOne(context.Background(), "gw")
		assert.Equal(t, StatusError, got.Status)
		assert.Contains(t, got.Error, "503")
	})

	t.Run("refused is disconnected", func(t *testing.T) {
		p, _ := newTestProber(t, config.TargetConfig{ID: "gw", Kind: config.KindHTTP, URL: "http://" + deadAddr(t)})
		got, _ := p.ProbeOne(context.Background(), "gw")
		assert.Equal(t, StatusDisconnected, got.Status)
	})
}

func TestProbeTCP(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	_, portStr, _ := net.SplitHostPort(lis.Addr().String())
	port64, err := strconv.ParseUint(portStr, 10, 32)
	require.NoError(t, err)
	port := uint32(port64)

	p, _ := newTestProber(t,
		config.TargetConfig{ID: "up", Kind: config.KindTCP, URL: "tcp://" + lis.Addr().String()},
		config.TargetConfig{ID: "down", Kind: config.KindTCP, URL: deadAddr(t)},
	)
	p.connections = func(context.Context, string) ([]psnet.ConnectionStat, error) {
		return []psnet.ConnectionStat{
			{Status: "ESTABLISHED", Laddr: psnet.Addr{IP: "127.0.0.1", Port: port}},
			{Status: "ESTABLISHED", Laddr: psnet.Addr{IP: "127.0.0.1", Port: port}},
			{Status: "LISTEN", Laddr: psnet.Addr{IP: "127.0.0.1", Port: port}},
			{Status: "ESTABLISHED", Laddr: psnet.Addr{IP: "127.0.0.1", Port: 1}},
		}, nil
	}

	up, _ := p.ProbeOne(context.Background(), "up")
	assert.Equal(t, StatusConnected, up.Status)
	require.NotNil(t, up.MetricValue)
	assert.Equal(t, float64(2), *up.MetricValue)
	assert.Nil(t, up.ToolCount)

	down, _ := p.ProbeOne(context.Background(), "down")
	assert.Equal(t, StatusDisconnected, down.Status)
}

func TestProbeGRPC(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	p, _ := newTestProber(t,
		config.TargetConfig{ID: "grpc", Kind: config.KindGRPC, URL: lis.Addr().String()},
		config.TargetConfig{ID: "gone", Kind: config.KindGRPC, URL: deadAddr(t)},
	)

	got, _ := p.ProbeOne(context.Background(), "grpc")
	assert.Equal(t, StatusConnected, got.Status, got.Error)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	got, _ = p.ProbeOne(context.Background(), "grpc")
	assert.Equal(t, StatusError, got.Status)
	assert.Contains(t, got.Error, "NOT_SERVING")

	gone, _ := p.ProbeOne(context.Background(), "gone")
	assert.Equal(t, StatusDisconnected, gone.Status)
}

// fakeRedis answers every RESP command with +PONG.
func fakeRedis(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if len(line) > 0 && line[0] == '*' {
						var n int
						for _, ch := range line[1 : len(line)-2] {
							n = n*10 + int(ch-'0')
						}
						for i := 0; i < 2*n; i++ {
							if _, err := r.ReadString('\n'); err != nil {
								return
							}
						}
						_, _ = c.Write([]byte("+PONG\r\n"))
					}
				}
			}(c)
		}
	}()
	return lis.Addr().String()
}

func TestProbeRedis(t *testing.T) {
	p, _ := newTestProber(t,
		config.TargetConfig{ID: "coord", Kind: config.KindRedis, URL: "redis://" + fakeRedis(t) + "/0"},
		config.TargetConfig{ID: "gone", Kind: config.KindRedis, URL: deadAddr(t)},
	)

	got, _ := p.ProbeOne(context.Background(), "coord")
	assert.Equal(t, StatusConnected, got.Status, got.Error)

	gone, _ := p.ProbeOne(context.Background(), "gone")
	assert.Equal(t, StatusDisconnected, gone.Status)
}

func TestProbeSetsConnectingFirst(t *testing.T) {
	p, rec := newTestProber(t, config.TargetConfig{ID: "slow", Kind: config.KindHTTP, URL: "http://unused"})

	release := make(chan struct{})
	entered := make(chan struct{})
	p.checks[config.KindHTTP] = func(ctx context.Context, _ config.TargetConfig) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan Target)
	go func() {
		got, _ := p.ProbeOne(context.Background(), "slow")
		done <- got
	}()

	<-entered
	mid, _ := p.Get("slow")
	assert.Equal(t, StatusConnecting, mid.Status)

	close(release)
	final := <-done
	assert.Equal(t, StatusConnected, final.Status)
	assert.Equal(t, []string{"connecting", "connected"}, rec.kindsFor("slow"))
}

func TestProbeHangAndPanicResolve(t *testing.T) {
	p, _ := newTestProber(t,
		config.TargetConfig{ID: "hang", Kind: config.KindHTTP, URL: "http://unused"},
		config.TargetConfig{ID: "boom", Kind: config.KindTCP, URL: "127.0.0.1:1"},
	)
	block := make(chan struct{})
	defer close(block)
	p.checks[config.KindHTTP] = func(context.Context, config.TargetConfig) error {
		<-block // ignores ctx
		return nil
	}
	p.checks[config.KindTCP] = func(context.Context, config.TargetConfig) error {
		panic("strategy bug")
	}

	hang, _ := p.ProbeOne(context.Background(), "hang")
	assert.Equal(t, StatusDisconnected, hang.Status)

	boom, _ := p.ProbeOne(context.Background(), "boom")
	assert.Equal(t, StatusError, boom.Status)
	assert.Contains(t, boom.Error, "strategy bug")
}

func TestProbeUnknownTarget(t *testing.T) {
	p, _ := newTestProber(t)
	_, err := p.ProbeOne(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestProbeAllIsolatesTargets(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer healthy.Close()

	p, _ := newTestProber(t,
		config.TargetConfig{ID: "core", Kind: config.KindBuiltin},
		config.TargetConfig{ID: "web", Kind: config.KindHTTP, URL: healthy.URL},
		config.TargetConfig{ID: "down", Kind: config.KindTCP, URL: deadAddr(t)},
		config.TargetConfig{ID: "hang", Kind: config.KindGRPC, URL: "unused:1"},
		config.TargetConfig{ID: "boom", Kind: config.KindRedis, URL: "unused:2"},
	)
	block := make(chan struct{})
	defer close(block)
	p.checks[config.KindGRPC] = func(context.Context, config.TargetConfig) error {
		<-block
		return nil
	}
	p.checks[config.KindRedis] = func(context.Context, config.TargetConfig) error {
		panic("bad")
	}

	start := time.Now()
	results := p.ProbeAll(context.Background())
	elapsed := time.Since(start)

	require.Len(t, results, 5)
	byID := map[string]Status{}
	for _, r := range results {
		assert.True(t, r.Status.Terminal(), r.ID)
		byID[r.ID] = r.Status
	}
	assert.Equal(t, StatusConnected, byID["core"])
	assert.Equal(t, StatusConnected, byID["web"])
	assert.Equal(t, StatusDisconnected, byID["down"])
	assert.Equal(t, StatusDisconnected, byID["hang"])
	assert.Equal(t, StatusError, byID["boom"])

	// the hung probe costs one probe timeout, not one per target
	assert.Less(t, elapsed, 2*time.Second)

	for _, tgt := range p.Targets() {
		assert.True(t, tgt.Status.Terminal(), tgt.ID)
	}
}

func TestProbeAllWithParallelLimit(t *testing.T) {
	p, _ := newTestProber(t,
		config.TargetConfig{ID: "a", Kind: config.KindBuiltin},
		config.TargetConfig{ID: "b", Kind: config.KindBuiltin},
		config.TargetConfig{ID: "c", Kind: config.KindBuiltin},
	)
	p.maxParallel = 1

	results := p.ProbeAll(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[2].ID)
}

func TestReplaceTargetsKeepsUnchangedStatus(t *testing.T) {
	a := config.TargetConfig{ID: "a", Kind: config.KindBuiltin}
	b := config.TargetConfig{ID: "b", Kind: config.KindBuiltin}
	p, _ := newTestProber(t, a, b)
	p.ProbeAll(context.Background())

	changed := b
	changed.Name = "renamed"
	c := config.TargetConfig{ID: "c", Kind: config.KindBuiltin}
	require.NoError(t, p.ReplaceTargets([]config.TargetConfig{c, a, changed}))

	targets := p.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{targets[0].ID, targets[1].ID, targets[2].ID})
	assert.Equal(t, StatusDisconnected, targets[0].Status)
	assert.Equal(t, StatusConnected, targets[1].Status)
	assert.Equal(t, StatusDisconnected, targets[2].Status)
	assert.Equal(t, "renamed", targets[2].Name)

	t.Run("rejects bad rosters", func(t *testing.T) {
		assert.Error(t, p.ReplaceTargets([]config.TargetConfig{a, a}))
		assert.Error(t, p.ReplaceTargets([]config.TargetConfig{{ID: "x", Kind: "smtp"}}))
		assert.Len(t, p.Targets(), 3)
	})
}

func TestSnapshotsAreCopies(t *testing.T) {
	p, _ := newTestProber(t, config.TargetConfig{ID: "core", Kind: config.KindBuiltin})
	got, _ := p.ProbeOne(context.Background(), "core")
	*got.ToolCount = 99

	again, _ := p.Get("core")
	assert.Equal(t, 7, *again.ToolCount)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	p, _ := newTestProber(t, config.TargetConfig{ID: "core", Kind: config.KindBuiltin})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, _ := p.Get("core")
		return got.Status == StatusConnected
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
