// ABOUTME: Server-sent event stream of change notices from the broadcaster.
// ABOUTME: Clients pick topics with ?topics=agents,targets; an empty list streams everything.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// Events streams notices until the client disconnects or the broadcaster closes.
// GET /api/events?topics=agents,executions
func (h *Handler) Events(c echo.Context) error {
	var topics []string
	for _, t := range strings.Split(c.QueryParam("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}

	ctx := c.Request().Context()
	notices, subID := h.events.Subscribe(ctx, topics...)
	defer h.events.Unsubscribe(subID)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	h.logger.Debug("event stream opened", "subscriber", subID, "topics", topics)
	defer h.logger.Debug("event stream closed", "subscriber", subID)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notices:
			if !ok {
				return nil
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Warn("dropping unencodable notice", "topic", n.Topic, "kind", n.Kind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", n.Topic, data); err != nil {
				return nil
			}
			res.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": keepalive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
