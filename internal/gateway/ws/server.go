// Package ws streams the events of an escalation run over WebSocket. A client
// connects with the index it last saw and receives every later event until
// the run is decided or fails, then the server closes the connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

// Subprotocol is offered to clients that negotiate one.
const Subprotocol = "hitl-events-v1"

const defaultWriteTimeout = 10 * time.Second

// Server follows run logs on behalf of WebSocket clients.
type Server struct {
	events       *runlog.Log
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewServer creates a follower over events.
func NewServer(events *runlog.Log, logger *slog.Logger) *Server {
	return &Server{
		events:       events,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
}

// Serve upgrades the connection and streams the events of runID, starting
// at the startIndex query parameter. Unknown runs get 404 before the upgrade.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, runID string) {
	from, err := StartIndex(r.URL.Query().Get("startIndex"))
	if err != nil {
		http.Error(w, "invalid startIndex", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := s.events.Follow(ctx, runID, from)
	if err != nil {
		if errors.Is(err, runlog.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		s.logger.ErrorContext(ctx, "following run", slog.String("run_id", runID), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Clients only listen; a read error means the peer went away.
	readCtx := conn.CloseRead(ctx)
	go func() {
		<-readCtx.Done()
		cancel()
	}()

	s.logger.DebugContext(ctx, "run follower connected",
		slog.String("run_id", runID),
		slog.Int("start_index", from),
	)

	terminal := false
	sent := 0
	for ev := range stream {
		if err := s.write(ctx, conn, ev); err != nil {
			s.logger.WarnContext(ctx, "writing run event",
				slog.String("run_id", runID),
				slog.Int("index", ev.Index),
				slog.String("error", err.Error()),
			)
			return
		}
		terminal = ev.Type.Terminal()
		sent++
	}
	if sent == 0 && ctx.Err() == nil {
		// Resumed past the end of a finished run.
		terminal, _ = s.events.Finished(ctx, runID, from)
	}

	if terminal {
		conn.Close(websocket.StatusNormalClosure, "run finished")
		return
	}
	conn.Close(websocket.StatusGoingAway, "stream interrupted")
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev runlog.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// StartIndex parses a resume offset. Empty means zero.
func StartIndex(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("startIndex must be a non-negative integer")
	}
	return n, nil
}
