// ABOUTME: Minimal fake coordinating backend for local testing; serves the push channel over websocket.
// ABOUTME: Usage: fake-coordinator [--addr localhost:9400] [--agents 3] [--binary]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/2389/coven-fleet/internal/ingest"
)

var statuses = []string{"idle", "busy", "idle", "error"}

type options struct {
	agents   int
	interval time.Duration
	binary   bool
}

func main() {
	addr := pflag.String("addr", "localhost:9400", "listen address")
	agents := pflag.Int("agents", 3, "number of simulated agents")
	interval := pflag.Duration("interval", 2*time.Second, "heartbeat interval")
	binary := pflag.Bool("binary", false, "send CBOR binary frames instead of JSON text")
	pflag.Parse()

	if err := run(*addr, options{agents: *agents, interval: *interval, binary: *binary}); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, opts options) error {
	if opts.agents < 1 {
		return errors.New("--agents must be at least 1")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(os.Stderr, "fleet connected from %s\n", r.RemoteAddr)
		if err := simulate(r.Context(), conn, opts); err != nil {
			fmt.Fprintf(os.Stderr, "session ended: %v\n", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	fmt.Fprintf(os.Stderr, "push channel at ws://%s/events\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// simulate registers the agents, then sends heartbeats, random status
// changes and stats until the connection or ctx ends.
func simulate(ctx context.Context, conn *websocket.Conn, opts options) error {
	send := func(typ string, payload any) error {
		env := ingest.Envelope{ID: uuid.NewString(), Type: typ, Payload: payload}
		if opts.binary {
			data, err := ingest.EncodeCBOR(env)
			if err != nil {
				return err
			}
			return conn.WriteMessage(websocket.BinaryMessage, data)
		}
		data, err := ingest.EncodeJSON(env)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	ids := make([]string, opts.agents)
	current := make(map[string]string, opts.agents)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%d", i+1)
		role := "worker"
		if i == 0 {
			role = "leader"
		}
		current[ids[i]] = "idle"
		if err := send(ingest.TypeAgentRegistered, map[string]any{
			"agent": map[string]any{
				"id":           ids[i],
				"name":         fmt.Sprintf("Agent %d", i+1),
				"role":         role,
				"status":       "idle",
				"capabilities": []string{"chat", "echo"},
			},
		}); err != nil {
			return fmt.Errorf("register %s: %w", ids[i], err)
		}
	}

	// drain control frames so pings are answered
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, id := range ids {
				_ = send(ingest.TypeAgentDeregistered, map[string]any{"id": id})
			}
			return nil
		case now := <-ticker.C:
			for _, id := range ids {
				if err := send(ingest.TypeAgentHeartbeat, map[string]any{"id": id, "timestamp": now.UnixMilli()}); err != nil {
					return err
				}
			}

			id := ids[rand.IntN(len(ids))]
			next := statuses[rand.IntN(len(statuses))]
			if err := send(ingest.TypeAgentStatusChanged, map[string]any{
				"id": id, "old_status": current[id], "new_status": next,
			}); err != nil {
				return err
			}
			current[id] = next

			busy := 0
			for _, s := range current {
				if s == "busy" {
					busy++
				}
			}
			if err := send(ingest.TypeStatsUpdated, map[string]any{
				"agents": len(ids), "busy": busy, "queued_tasks": rand.IntN(10),
			}); err != nil {
				return err
			}
		}
	}
}
