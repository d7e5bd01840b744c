package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/yencolon/human-in-the-loop-chat/internal/escalation"
	"github.com/yencolon/human-in-the-loop-chat/internal/ratelimit"
)

type fakeEscalator struct {
	runID string
	err   error
	calls int
}

func (f *fakeEscalator) Start(_ context.Context, _ escalation.Request) (string, <-chan escalation.Outcome, error) {
	f.calls++
	if f.err != nil {
		return "", nil, f.err
	}
	out := make(chan escalation.Outcome, 1)
	out <- escalation.Outcome{Result: &escalation.Result{RunID: f.runID, Approved: true}}
	close(out)
	return f.runID, out, nil
}

func testGateway(cfg Config, esc Escalator, rl *ratelimit.Limiter) *Gateway {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGateway(cfg, nil, esc, nil, rl, logger)
}

var validRequest = escalation.Request{
	CustomerName:     "Ada",
	Issue:            "Double charge",
	ProposedSolution: "Refund the second charge",
}

func TestAuthorize_APIKeys(t *testing.T) {
	g := testGateway(Config{APIKeys: []string{"k-one", "k-two"}}, nil, nil)

	tests := []struct {
		name   string
		header string
		remote string
		ok     bool
	}{
		{"valid key", "Bearer k-two", "203.0.113.5:9000", true},
		{"wrong key", "Bearer k-three", "127.0.0.1:9000", false},
		{"no scheme", "k-one", "127.0.0.1:9000", false},
		{"empty", "", "127.0.0.1:9000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := g.authorize(tt.header, tt.remote)
			if ok != tt.ok {
				t.Fatalf("authorize ok = %v, want %v", ok, tt.ok)
			}
			if ok && id != keyID("k-two") {
				t.Errorf("client id = %q", id)
			}
		})
	}
}

func TestAuthorize_NoKeysLoopbackOnly(t *testing.T) {
	g := testGateway(Config{}, nil, nil)

	if id, ok := g.authorize("", "127.0.0.1:5000"); !ok || id != "127.0.0.1" {
		t.Errorf("loopback = %q, %v", id, ok)
	}
	if _, ok := g.authorize("", "[::1]:5000"); !ok {
		t.Error("ipv6 loopback rejected")
	}
	if _, ok := g.authorize("Bearer anything", "198.51.100.7:5000"); ok {
		t.Error("remote peer accepted without configured keys")
	}
}

func TestAuthorize_BehindProxyNoLoopbackTrust(t *testing.T) {
	g := testGateway(Config{BehindProxy: true}, nil, nil)
	if _, ok := g.authorize("", "127.0.0.1:5000"); ok {
		t.Error("loopback peer accepted behind proxy without keys")
	}

	g = testGateway(Config{BehindProxy: true, APIKeys: []string{"k1"}}, nil, nil)
	if _, ok := g.authorize("", "127.0.0.1:5000"); ok {
		t.Error("loopback peer accepted without a key")
	}
	if _, ok := g.authorize("Bearer k1", "127.0.0.1:5000"); !ok {
		t.Error("valid key rejected behind proxy")
	}
}

func TestKeyID_DoesNotLeakKey(t *testing.T) {
	id := keyID("super-secret-key")
	if id == keyID("other-key") {
		t.Error("distinct keys share an id")
	}
	if len(id) != len("key-")+8 {
		t.Errorf("id = %q", id)
	}
}

func TestCreateEscalation_Accepted(t *testing.T) {
	esc := &fakeEscalator{runID: "run-1"}
	g := testGateway(Config{}, esc, nil)

	status, body := g.createEscalation(context.Background(), "client", validRequest)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, body = %#v", status, body)
	}
	if got := body.(EscalationResponse); got.RunID != "run-1" {
		t.Errorf("body = %+v", got)
	}
	if esc.calls != 1 {
		t.Errorf("Start calls = %d, want 1", esc.calls)
	}
}

func TestCreateEscalation_Invalid(t *testing.T) {
	esc := &fakeEscalator{runID: "run-1"}
	g := testGateway(Config{}, esc, nil)

	status, _ := g.createEscalation(context.Background(), "client", escalation.Request{CustomerName: "Ada"})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if esc.calls != 0 {
		t.Error("invalid request reached the orchestrator")
	}
}

func TestCreateEscalation_SendFailure(t *testing.T) {
	g := testGateway(Config{}, &fakeEscalator{err: errors.New("notification send failed")}, nil)

	status, body := g.createEscalation(context.Background(), "client", validRequest)
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
	if _, ok := body.(ErrorBody); !ok {
		t.Errorf("body = %#v", body)
	}
}

func TestCreateEscalation_RateLimited(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	g := testGateway(Config{}, &fakeEscalator{runID: "r"}, rl)

	if status, _ := g.createEscalation(context.Background(), "client", validRequest); status != http.StatusAccepted {
		t.Fatalf("first status = %d", status)
	}
	status, body := g.createEscalation(context.Background(), "client", validRequest)
	if status != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", status)
	}
	if got := body.(RateLimitedBody); got.RetryAfterSeconds < 1 || got.RetryAfterSeconds > int(time.Minute/time.Second) {
		t.Errorf("retry after = %d", got.RetryAfterSeconds)
	}

	// Other clients keep their own budget.
	if status, _ := g.createEscalation(context.Background(), "other", validRequest); status != http.StatusAccepted {
		t.Errorf("other client status = %d", status)
	}
}

func TestRunIDFromPath(t *testing.T) {
	tests := []struct {
		path, suffix, want string
	}{
		{"/api/escalations/run-1/ws", "ws", "run-1"},
		{"/api/escalations/run-1/stream", "ws", ""},
		{"/api/escalations//ws", "ws", ""},
		{"/api/escalations/a/b/ws", "ws", ""},
		{"/other/run-1/ws", "ws", ""},
	}
	for _, tt := range tests {
		if got := runIDFromPath(tt.path, tt.suffix); got != tt.want {
			t.Errorf("runIDFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestStop_BeforeStart(t *testing.T) {
	g := testGateway(Config{ListenAddr: freeAddr(t)}, nil, nil)
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- g.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start after Stop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestStop_WhileStarting(t *testing.T) {
	g := testGateway(Config{ListenAddr: freeAddr(t)}, &fakeEscalator{runID: "run-1"}, nil)
	done := make(chan error, 1)
	go func() { done <- g.Start(context.Background()) }()
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
