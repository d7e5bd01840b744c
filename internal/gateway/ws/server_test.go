package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

func newTestServer(t *testing.T) (*runlog.Log, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := runlog.NewLog(runlog.NewMemoryStore(), 10*time.Millisecond, logger)
	srv := NewServer(events, logger)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/runs/"))
	}))
	t.Cleanup(ts.Close)
	return events, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readEvent(ctx context.Context, t *testing.T, conn *websocket.Conn) runlog.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev runlog.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	return ev
}

func TestServe_ReplaysFromStartIndexAndCloses(t *testing.T) {
	events, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, typ := range []runlog.EventType{runlog.EventRequested, runlog.EventNotified, runlog.EventDecided} {
		if _, err := events.Append(ctx, "run-1", typ, nil); err != nil {
			t.Fatal(err)
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/runs/run-1?startIndex=1"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if ev := readEvent(ctx, t, conn); ev.Index != 1 || ev.Type != runlog.EventNotified {
		t.Errorf("first event = %+v", ev)
	}
	if ev := readEvent(ctx, t, conn); ev.Index != 2 || ev.Type != runlog.EventDecided {
		t.Errorf("second event = %+v", ev)
	}

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("close err = %v, want normal closure", err)
	}
}

func TestServe_ResumeAfterDecisionClosesNormally(t *testing.T) {
	events, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, typ := range []runlog.EventType{runlog.EventRequested, runlog.EventNotified, runlog.EventDecided} {
		if _, err := events.Append(ctx, "run-3", typ, nil); err != nil {
			t.Fatal(err)
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/runs/run-3?startIndex=3"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("close err = %v, want normal closure", err)
	}
}

func TestServe_FollowsLiveEvents(t *testing.T) {
	events, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := events.Append(ctx, "run-2", runlog.EventRequested, nil); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/runs/run-2"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if ev := readEvent(ctx, t, conn); ev.Type != runlog.EventRequested {
		t.Fatalf("event = %+v", ev)
	}

	if _, err := events.Append(ctx, "run-2", runlog.EventDecided, map[string]bool{"approved": true}); err != nil {
		t.Fatal(err)
	}
	ev := readEvent(ctx, t, conn)
	if ev.Type != runlog.EventDecided || string(ev.Data) != `{"approved":true}` {
		t.Fatalf("event = %+v", ev)
	}
}

func TestServe_UnknownRun(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/runs/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartIndex(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"7", 7, false},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := StartIndex(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("StartIndex(%q) = %d, %v", tt.in, got, err)
		}
	}
}
