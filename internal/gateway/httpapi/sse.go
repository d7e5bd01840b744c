package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/yencolon/human-in-the-loop-chat/internal/gateway/ws"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

// handleEventStream handles GET /api/escalations/{id}/stream. Events are
// sent from startIndex on, each as an SSE event named after its type; the
// stream ends after the run's terminal event.
func (g *Gateway) handleEventStream(c *okapi.Context) error {
	runID := c.Param("id")
	from, err := ws.StartIndex(c.Request().URL.Query().Get("startIndex"))
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	stream, err := g.events.Follow(c.Context(), runID, from)
	if err != nil {
		if errors.Is(err, runlog.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		g.logger.ErrorContext(c.Context(), "following run",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("reading run events failed")
	}

	for ev := range stream {
		c.SSEvent(string(ev.Type), ev)
	}
	return nil
}

// handleEventSocket handles GET /api/escalations/{id}/ws. Browsers cannot set
// headers on a WebSocket handshake, so the key may also come as ?token=.
func (g *Gateway) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			auth = "Bearer " + token
		}
	}
	if _, ok := g.authorize(auth, r.RemoteAddr); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	runID := runIDFromPath(r.URL.Path, "ws")
	if runID == "" {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	g.follower.Serve(w, r, runID)
}
