package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSlack records Web API calls and answers from a per-method table.
type fakeSlack struct {
	mu      sync.Mutex
	calls   []string
	bodies  map[string][]byte
	auth    string
	replies map[string]string
}

func newFakeSlack(replies map[string]string) (*fakeSlack, *httptest.Server) {
	f := &fakeSlack{bodies: make(map[string][]byte), replies: replies}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/api/")
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.bodies[method] = body
		f.auth = r.Header.Get("Authorization")
		reply, ok := f.replies[method]
		f.mu.Unlock()

		if !ok {
			reply = `{"ok":true}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	return f, srv
}

func newTestClient(srv *httptest.Server) *Client {
	u, _ := url.Parse(srv.URL)
	return NewClient(ClientConfig{
		BotToken:                 "xoxb-test",
		BaseURL:                  srv.URL + "/api",
		ResponseURLHosts:         []string{u.Hostname()},
		AllowInsecureResponseURL: true,
	}, testLogger())
}

func TestClient_OpenConversationAndPost(t *testing.T) {
	fake, srv := newFakeSlack(map[string]string{
		"conversations.open": `{"ok":true,"channel":{"id":"D024BE91L"}}`,
		"chat.postMessage":   `{"ok":true,"channel":"D024BE91L","ts":"1503435956.000247"}`,
	})
	defer srv.Close()
	c := newTestClient(srv)
	ctx := context.Background()

	ch, err := c.OpenConversation(ctx, "U123")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if ch != "D024BE91L" {
		t.Errorf("channel = %q", ch)
	}

	posted, err := c.PostMessage(ctx, Message{
		Channel: ch,
		Text:    "hello",
		Blocks:  []Block{SectionBlock("hello")},
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if posted.TS != "1503435956.000247" || posted.Channel != "D024BE91L" {
		t.Errorf("posted = %+v", posted)
	}

	if fake.auth != "Bearer xoxb-test" {
		t.Errorf("Authorization = %q", fake.auth)
	}
	var sent map[string]any
	if err := json.Unmarshal(fake.bodies["chat.postMessage"], &sent); err != nil {
		t.Fatalf("decoding sent body: %v", err)
	}
	if sent["channel"] != "D024BE91L" || sent["text"] != "hello" {
		t.Errorf("sent = %v", sent)
	}
}

func TestClient_MissingScope(t *testing.T) {
	_, srv := newFakeSlack(map[string]string{
		"conversations.open": `{"ok":false,"error":"missing_scope","needed":"im:write","provided":"chat:write"}`,
	})
	defer srv.Close()

	_, err := newTestClient(srv).OpenConversation(context.Background(), "U123")
	if !errors.Is(err, ErrMissingScope) {
		t.Fatalf("err = %v, want ErrMissingScope", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Needed != "im:write" || apiErr.Method != "conversations.open" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestClient_OKFalse(t *testing.T) {
	_, srv := newFakeSlack(map[string]string{
		"chat.postMessage": `{"ok":false,"error":"channel_not_found"}`,
	})
	defer srv.Close()

	_, err := newTestClient(srv).PostMessage(context.Background(), Message{Channel: "C1", Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "channel_not_found" {
		t.Fatalf("err = %v", err)
	}
	if errors.Is(err, ErrMissingScope) {
		t.Fatal("channel_not_found must not match ErrMissingScope")
	}
}

func TestClient_UpdateRequiresRef(t *testing.T) {
	_, srv := newFakeSlack(nil)
	defer srv.Close()
	if err := newTestClient(srv).UpdateMessage(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatal("expected error without channel and ts")
	}
}

func TestClient_Respond(t *testing.T) {
	var got ResponseMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.Respond(context.Background(), srv.URL+"/actions/T1/123/abc", ResponseMessage{
		ReplaceOriginal: true,
		Text:            "✅ Approved by <@U1>",
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !got.ReplaceOriginal || got.Text != "✅ Approved by <@U1>" {
		t.Errorf("got = %+v", got)
	}
}

func TestClient_RespondRejectsForeignHost(t *testing.T) {
	c := NewClient(ClientConfig{BotToken: "xoxb"}, testLogger())
	for _, raw := range []string{
		"https://evil.example.com/hook",
		"http://hooks.slack.com/actions/x",
		"file:///etc/passwd",
	} {
		err := c.Respond(context.Background(), raw, ResponseMessage{Text: "x"})
		if !errors.Is(err, ErrResponseURLRejected) {
			t.Errorf("%s: err = %v, want ErrResponseURLRejected", raw, err)
		}
	}
}

func TestClient_RespondDoesNotFollowRedirects(t *testing.T) {
	hit := false
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer target.Close()

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer redirector.Close()

	err := newTestClient(redirector).Respond(context.Background(), redirector.URL, ResponseMessage{Text: "x"})
	if err == nil {
		t.Fatal("expected error for redirect response")
	}
	if hit {
		t.Fatal("redirect was followed")
	}
}

func TestParseInteraction(t *testing.T) {
	payload := `{"type":"block_actions","user":{"id":"U1","username":"ana"},` +
		`"container":{"type":"message","message_ts":"1.2","channel_id":"D9"},` +
		`"message":{"ts":"1.2","text":"original"},` +
		`"response_url":"https://hooks.slack.com/actions/x",` +
		`"actions":[{"action_id":"approve_action","value":"{\"token\":\"t\",\"approved\":true}"}]}`
	body := []byte(url.Values{"payload": {payload}}.Encode())

	p, err := ParseInteraction(body)
	if err != nil {
		t.Fatalf("ParseInteraction: %v", err)
	}
	if p.ChannelID() != "D9" || p.MessageTS() != "1.2" || p.Actor() != "<@U1>" {
		t.Errorf("payload = %+v", p)
	}
	if len(p.Actions) != 1 || p.Actions[0].ActionID != "approve_action" {
		t.Errorf("actions = %+v", p.Actions)
	}
	if p.Message.Text != "original" {
		t.Errorf("message text = %q", p.Message.Text)
	}
}

func TestParseInteraction_NoPayload(t *testing.T) {
	if _, err := ParseInteraction([]byte("foo=bar")); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("err = %v, want ErrNoPayload", err)
	}
}

func TestHasActions(t *testing.T) {
	pending := []Block{SectionBlock("x"), ActionsBlock("b", NewButton("ok", "a", "v", StylePrimary, nil))}
	if !HasActions(pending) {
		t.Error("pending message not recognized")
	}
	if HasActions([]Block{SectionBlock("x"), ContextBlock("ID: 1")}) {
		t.Error("resolved message reported as pending")
	}
}
