// ABOUTME: Websocket client holding the single push-channel session to the coordinating backend.
// ABOUTME: Reconnects with exponential backoff and feeds decoded frames to Ingest.Apply.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 1 << 20
	writeWait      = 10 * time.Second
)

// ClientConfig configures the push-channel client.
type ClientConfig struct {
	URL          string
	Token        string // sent as a bearer token when set
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	ReadTimeout  time.Duration
	Dialer       *websocket.Dialer
}

// Client runs the push-channel session.
type Client struct {
	cfg    ClientConfig
	ingest *Ingest
	logger *slog.Logger
}

// NewClient creates a client that applies events to in.
func NewClient(cfg ClientConfig, in *Ingest, logger *slog.Logger) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 70 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		ingest: in,
		logger: logger.With("component", "ingest_client"),
	}
}

// Run keeps a session open until ctx is cancelled. It always returns nil
// after cancellation; connection failures are retried, never returned.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin

	for {
		c.ingest.SetPhase(PhaseConnecting)
		connected, err := c.session(ctx)
		c.ingest.SetPhase(PhaseDisconnected)

		if ctx.Err() != nil {
			return nil
		}

		if connected {
			backoff = c.cfg.ReconnectMin
		}
		c.logger.Debug("push channel unavailable, retrying",
			"url", c.cfg.URL,
			"retry_in", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// session dials once and pumps frames until the connection fails.
// connected reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if c.ingest.seen != nil {
		c.ingest.seen.Reset()
	}
	c.ingest.SetPhase(PhaseConnected)
	c.logger.Info("=== PUSH CHANNEL CONNECTED ===", "url", c.cfg.URL)

	// Unblock ReadMessage when ctx ends
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	return true, c.readPump(conn)
}

func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()

	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("push channel closed unexpectedly", "error", err)
			}
			return err
		}
		extend()

		var env Envelope
		switch msgType {
		case websocket.TextMessage:
			env, err = DecodeJSON(data)
		case websocket.BinaryMessage:
			env, err = DecodeCBOR(data)
		default:
			continue
		}
		if err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}

		if err := c.ingest.Apply(env); err != nil {
			c.logger.Debug("dropping event", "type", env.Type, "id", env.ID, "error", err)
		}
	}
}
