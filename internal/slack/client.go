package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL      = "https://slack.com/api"
	defaultTimeout      = 15 * time.Second
	maxAPIResponseSize  = 1 << 20
	maxRespondReplySize = 4 << 10
)

// ErrMissingScope matches an APIError whose code is missing_scope.
var ErrMissingScope = errors.New("missing_scope")

// ErrResponseURLRejected is returned when a response URL fails validation.
var ErrResponseURLRejected = errors.New("response url rejected")

// APIError is an ok:false reply from the Web API.
type APIError struct {
	Method string
	Code   string
	Needed string // Scopes reported as required, if any.
}

func (e *APIError) Error() string {
	if e.Needed != "" {
		return fmt.Sprintf("slack %s: %s (needed: %s)", e.Method, e.Code, e.Needed)
	}
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

func (e *APIError) Is(target error) bool {
	return target == ErrMissingScope && e.Code == "missing_scope"
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BotToken string        // xoxb-... token.
	BaseURL  string        // Web API root. Default: https://slack.com/api.
	Timeout  time.Duration // Per-request timeout. Default: 15s.

	// ResponseURLHosts lists hosts Respond may post to. Default: hooks.slack.com.
	ResponseURLHosts []string
	// AllowInsecureResponseURL permits http response URLs. Tests only.
	AllowInsecureResponseURL bool
}

// Client is a minimal Slack Web API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Web API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.ResponseURLHosts) == 0 {
		cfg.ResponseURLHosts = []string{"hooks.slack.com"}
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			// Response URLs come from request payloads; never follow a redirect
			// off the allowlisted host.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Message is a chat.postMessage or chat.update request.
type Message struct {
	Channel string  `json:"channel"`
	TS      string  `json:"ts,omitempty"`
	Text    string  `json:"text"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// PostedMessage identifies a message Slack accepted.
type PostedMessage struct {
	Channel string
	TS      string
}

// ResponseMessage is posted to an interaction's response_url.
type ResponseMessage struct {
	ReplaceOriginal bool    `json:"replace_original"`
	Text            string  `json:"text"`
	Blocks          []Block `json:"blocks,omitempty"`
}

// OpenConversation opens (or reuses) the direct message channel with userID.
func (c *Client) OpenConversation(ctx context.Context, userID string) (string, error) {
	var out struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := c.call(ctx, "conversations.open", map[string]string{"users": userID}, &out); err != nil {
		return "", err
	}
	if out.Channel.ID == "" {
		return "", fmt.Errorf("slack conversations.open: no channel in response")
	}
	return out.Channel.ID, nil
}

// PostMessage sends a new message.
func (c *Client) PostMessage(ctx context.Context, msg Message) (PostedMessage, error) {
	var out struct {
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	if err := c.call(ctx, "chat.postMessage", msg, &out); err != nil {
		return PostedMessage{}, err
	}
	return PostedMessage{Channel: out.Channel, TS: out.TS}, nil
}

// UpdateMessage replaces an existing message identified by Channel and TS.
func (c *Client) UpdateMessage(ctx context.Context, msg Message) error {
	if msg.Channel == "" || msg.TS == "" {
		return fmt.Errorf("slack chat.update: channel and ts are required")
	}
	return c.call(ctx, "chat.update", msg, nil)
}

// Respond posts msg to an interaction response URL.
func (c *Client) Respond(ctx context.Context, responseURL string, msg ResponseMessage) error {
	if err := c.validateResponseURL(responseURL); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to response url: %w", err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxRespondReplySize))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("response url returned %d: %s", resp.StatusCode, strings.TrimSpace(string(reply)))
	}

	// Response URLs answer either "ok" or a JSON envelope.
	trimmed := bytes.TrimSpace(reply)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env apiEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil && !env.OK {
			return &APIError{Method: "response_url", Code: env.Error}
		}
	}
	return nil
}

type apiEnvelope struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Needed string `json:"needed"`
}

func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.config.BotToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
	if err != nil {
		return fmt.Errorf("slack %s: reading response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack %s returned %d: %s", method, resp.StatusCode, truncate(string(respBody), 256))
	}

	// Slack returns 200 even on errors; check the "ok" field.
	var env apiEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("slack %s: decoding response: %w", method, err)
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.Error, Needed: env.Needed}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("slack %s: decoding response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) validateResponseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResponseURLRejected, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.config.AllowInsecureResponseURL {
			return fmt.Errorf("%w: scheme must be https", ErrResponseURLRejected)
		}
	default:
		return fmt.Errorf("%w: scheme %q", ErrResponseURLRejected, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	for _, allowed := range c.config.ResponseURLHosts {
		if host == strings.ToLower(allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q not allowed", ErrResponseURLRejected, host)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
