// Package slack implements the inbound side of the Slack approval flow:
// interaction callbacks posted when an approver clicks Approve or Deny, and
// an unsigned simulation endpoint for local testing.
//
// Security:
//   - Every callback verified via HMAC-SHA256 signature (Slack signing secret)
//   - Replay protection: rejects timestamps more than 5 minutes from now
//   - Tokens are bearer credentials, logged only through approval.Redact
//   - The simulation endpoint only answers loopback peers
//
// Handlers are framework independent: they take the raw request parts and
// return a Response the HTTP layer writes as JSON.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/notification"
	"github.com/yencolon/human-in-the-loop-chat/internal/observability"
	slackapi "github.com/yencolon/human-in-the-loop-chat/internal/slack"
)

// MaxRequestSize bounds callback bodies. Slack payloads are small.
const MaxRequestSize = 256 << 10

// Callback sources, used as metric labels.
const (
	sourceSlack      = "slack"
	sourceSimulation = "simulation"
)

// Resolver delivers a decision to the hook waiting on a token.
// Satisfied by approval.Registry.
type Resolver interface {
	ResolveHook(ctx context.Context, token string, value approval.ActionValue) (string, error)
}

// Updater rewrites the Slack message of a decided request.
// Satisfied by *notification.Dispatcher.
type Updater interface {
	Update(ctx context.Context, u notification.Update) error
}

// SuccessBody is returned once a decision has been recorded.
type SuccessBody struct {
	Success bool   `json:"success"`
	RunID   string `json:"runId"`
}

// ErrorBody is the error response shape.
type ErrorBody struct {
	Error string `json:"error"`
}

// StatusBody answers GET on the webhook path.
type StatusBody struct {
	Status string `json:"status"`
}

// Response is a status code and a JSON body.
type Response struct {
	Status int
	Body   any
}

// Webhook handles interaction callbacks.
type Webhook struct {
	verifier *slackapi.Verifier
	resolver Resolver
	updater  Updater
	metrics  *observability.MetricsCollector
	anomaly  *observability.AnomalyDetector
	logger   *slog.Logger
}

// NewWebhook creates the callback handler. metrics and anomaly may be nil.
func NewWebhook(verifier *slackapi.Verifier, resolver Resolver, updater Updater, metrics *observability.MetricsCollector, anomaly *observability.AnomalyDetector, logger *slog.Logger) *Webhook {
	return &Webhook{
		verifier: verifier,
		resolver: resolver,
		updater:  updater,
		metrics:  metrics,
		anomaly:  anomaly,
		logger:   logger,
	}
}

// Status answers the webhook health probe.
func (w *Webhook) Status() Response {
	return Response{Status: http.StatusOK, Body: StatusBody{Status: "Slack webhook is running"}}
}

// HandleCallback authenticates and applies one interaction callback. body
// must be the raw request body as received.
func (w *Webhook) HandleCallback(ctx context.Context, header http.Header, body []byte) Response {
	if err := w.verifier.Verify(header, body); err != nil {
		reason := signatureReason(err)
		w.metrics.RecordSignatureFailure(reason)
		w.anomaly.RecordSignatureFailure(reason)
		w.metrics.RecordCallback(sourceSlack, "unauthenticated")
		w.logger.WarnContext(ctx, "slack signature verification failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return errorResponse(http.StatusUnauthorized, "Invalid Slack request")
	}

	payload, err := slackapi.ParseInteraction(body)
	if err != nil {
		w.metrics.RecordCallback(sourceSlack, "invalid_payload")
		w.logger.WarnContext(ctx, "parsing slack interaction", slog.String("error", err.Error()))
		return errorResponse(http.StatusBadRequest, "Invalid payload")
	}
	if len(payload.Actions) == 0 {
		w.metrics.RecordCallback(sourceSlack, "invalid_payload")
		return errorResponse(http.StatusBadRequest, "Invalid payload")
	}

	action := payload.Actions[0]
	value, err := approval.DecodeAction(action.ActionID, action.Value)
	if err != nil {
		w.logger.WarnContext(ctx, "decoding slack action",
			slog.String("action_id", action.ActionID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, approval.ErrMissingToken) {
			w.metrics.RecordCallback(sourceSlack, "missing_token")
			return errorResponse(http.StatusBadRequest, "Missing token")
		}
		w.metrics.RecordCallback(sourceSlack, "invalid_payload")
		return errorResponse(http.StatusBadRequest, "Invalid payload")
	}
	value.Comment = decisionComment(value.Approved, "webhook")

	runID, resp, ok := w.resolve(ctx, sourceSlack, value)
	if !ok {
		return resp
	}

	// The decision is recorded; a failed rewrite leaves the buttons visible
	// but any further click is rejected by the registry.
	_ = w.updater.Update(ctx, notification.Update{
		ResponseURL:  payload.ResponseURL,
		Channel:      payload.ChannelID(),
		TS:           payload.MessageTS(),
		Status:       approval.StatusOf(value.Approved),
		Actor:        payload.Actor(),
		OriginalText: payload.Message.Text,
		Reference:    runID,
	})

	return Response{Status: http.StatusOK, Body: SuccessBody{Success: true, RunID: runID}}
}

// SimulationRequest is the unsigned body accepted by the simulation endpoint.
// Alternate field names are accepted for compatibility with older clients.
type SimulationRequest struct {
	Token           string `json:"token"`
	Approved        bool   `json:"approved"`
	Channel         string `json:"channel,omitempty"`
	ChannelID       string `json:"channelId,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
	TS              string `json:"ts,omitempty"`
	ActorName       string `json:"actorName,omitempty"`
	UserName        string `json:"userName,omitempty"`
	OriginalText    string `json:"originalText,omitempty"`
	OriginalMessage string `json:"originalMessage,omitempty"`
}

// HandleSimulation resolves a hook without a Slack signature. Only loopback
// peers are served.
func (w *Webhook) HandleSimulation(ctx context.Context, remoteAddr string, body []byte) Response {
	if !isLoopback(remoteAddr) {
		w.metrics.RecordCallback(sourceSimulation, "forbidden")
		w.logger.WarnContext(ctx, "simulation request from non-loopback peer", slog.String("remote_addr", remoteAddr))
		return errorResponse(http.StatusForbidden, "Forbidden")
	}

	var req SimulationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.metrics.RecordCallback(sourceSimulation, "invalid_payload")
		return errorResponse(http.StatusBadRequest, "Invalid payload")
	}
	if req.Token == "" {
		w.metrics.RecordCallback(sourceSimulation, "missing_token")
		return errorResponse(http.StatusBadRequest, "Missing token")
	}

	value := approval.ActionValue{
		Token:    req.Token,
		Approved: req.Approved,
		Comment:  decisionComment(req.Approved, "Testing webhook"),
	}
	runID, resp, ok := w.resolve(ctx, sourceSimulation, value)
	if !ok {
		return resp
	}

	channel := firstNonEmpty(req.Channel, req.ChannelID)
	ts := firstNonEmpty(req.Timestamp, req.TS)
	if channel != "" && ts != "" {
		_ = w.updater.Update(ctx, notification.Update{
			Channel:      channel,
			TS:           ts,
			Status:       approval.StatusOf(req.Approved),
			Actor:        firstNonEmpty(req.ActorName, req.UserName),
			OriginalText: firstNonEmpty(req.OriginalText, req.OriginalMessage),
			Reference:    runID,
		})
	}

	return Response{Status: http.StatusOK, Body: SuccessBody{Success: true, RunID: runID}}
}

// resolve records value and maps registry errors. Unknown, decided and
// expired tokens all answer 404 so a caller cannot learn hook state.
func (w *Webhook) resolve(ctx context.Context, source string, value approval.ActionValue) (string, Response, bool) {
	runID, err := w.resolver.ResolveHook(ctx, value.Token, value)
	if err == nil {
		w.metrics.RecordCallback(source, "resolved")
		w.logger.InfoContext(ctx, "decision recorded",
			slog.String("source", source),
			slog.String("run_id", runID),
			slog.Bool("approved", value.Approved),
		)
		return runID, Response{}, true
	}

	switch {
	case errors.Is(err, approval.ErrNotFound),
		errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, approval.ErrExpired):
		w.metrics.RecordCallback(source, "rejected")
		w.logger.InfoContext(ctx, "callback rejected",
			slog.String("source", source),
			slog.String("token", approval.Redact(value.Token)),
			slog.String("reason", err.Error()),
		)
		return "", errorResponse(http.StatusNotFound, "Invalid token"), false
	default:
		w.metrics.RecordCallback(source, "error")
		w.logger.ErrorContext(ctx, "resolving hook",
			slog.String("source", source),
			slog.String("token", approval.Redact(value.Token)),
			slog.String("error", err.Error()),
		)
		return "", errorResponse(http.StatusInternalServerError, "Internal error"), false
	}
}

func decisionComment(approved bool, via string) string {
	if approved {
		return "Approved via " + via
	}
	return "Denied via " + via
}

// signatureReason maps a verification error to a low-cardinality label.
func signatureReason(err error) string {
	switch {
	case errors.Is(err, slackapi.ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, slackapi.ErrNoSigningSecret):
		return "no_secret"
	case errors.Is(err, slackapi.ErrBadTimestamp):
		return "bad_timestamp"
	case errors.Is(err, slackapi.ErrStaleRequest):
		return "stale"
	case errors.Is(err, slackapi.ErrSignatureMismatch):
		return "mismatch"
	default:
		return "other"
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errorResponse(status int, msg string) Response {
	return Response{Status: status, Body: ErrorBody{Error: msg}}
}
