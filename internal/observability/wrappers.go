package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/notification"
	"github.com/yencolon/human-in-the-loop-chat/internal/slack"
)

// --- InstrumentedSlackAPI ---

// InstrumentedSlackAPI wraps a notification.SlackAPI with metrics, tracing, and anomaly detection.
type InstrumentedSlackAPI struct {
	inner   notification.SlackAPI
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSlackAPI wraps a Slack client with observability.
func NewInstrumentedSlackAPI(inner notification.SlackAPI, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSlackAPI {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSlackAPI{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSlackAPI) OpenConversation(ctx context.Context, userID string) (string, error) {
	var channel string
	err := s.observe(ctx, "conversations.open", func(ctx context.Context) error {
		var err error
		channel, err = s.inner.OpenConversation(ctx, userID)
		return err
	})
	return channel, err
}

func (s *InstrumentedSlackAPI) PostMessage(ctx context.Context, msg slack.Message) (slack.PostedMessage, error) {
	var posted slack.PostedMessage
	err := s.observe(ctx, "chat.postMessage", func(ctx context.Context) error {
		var err error
		posted, err = s.inner.PostMessage(ctx, msg)
		return err
	}, attribute.String("slack.channel", msg.Channel))
	return posted, err
}

func (s *InstrumentedSlackAPI) UpdateMessage(ctx context.Context, msg slack.Message) error {
	return s.observe(ctx, "chat.update", func(ctx context.Context) error {
		return s.inner.UpdateMessage(ctx, msg)
	}, attribute.String("slack.channel", msg.Channel), attribute.String("slack.ts", msg.TS))
}

func (s *InstrumentedSlackAPI) Respond(ctx context.Context, responseURL string, msg slack.ResponseMessage) error {
	return s.observe(ctx, "response_url", func(ctx context.Context) error {
		return s.inner.Respond(ctx, responseURL, msg)
	})
}

func (s *InstrumentedSlackAPI) observe(ctx context.Context, method string, call func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, end := startSpan(ctx, s.tracer, "slack."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("slack.method", method))...),
	)

	start := time.Now()
	err := call(ctx)
	end(err)

	if s.metrics != nil {
		s.metrics.SlackCallsTotal.WithLabelValues(method, slackResult(err)).Inc()
		s.metrics.SlackCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.anomaly.RecordError("slack_" + method)
	} else {
		s.anomaly.RecordSuccess("slack_" + method)
	}
	return err
}

// slackResult labels a call by Slack's error code when there is one.
func slackResult(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *slack.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	return "error"
}

// --- InstrumentedRegistry ---

// InstrumentedRegistry wraps an approval.Registry with metrics and tracing
// on the transitions. Lookups pass through.
type InstrumentedRegistry struct {
	approval.Registry
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRegistry wraps a hook registry with observability.
func NewInstrumentedRegistry(inner approval.Registry, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRegistry {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRegistry{
		Registry: inner,
		metrics:  metrics,
		tracer:   tracer,
	}
}

func (r *InstrumentedRegistry) CreateHook(ctx context.Context, spec approval.HookSpec) (approval.Future, error) {
	ctx, end := startSpan(ctx, r.tracer, "hook.create",
		trace.WithAttributes(attribute.String("hook.run_id", spec.RunID)))
	fut, err := r.Registry.CreateHook(ctx, spec)
	end(err)
	return fut, err
}

func (r *InstrumentedRegistry) ResolveHook(ctx context.Context, token string, value approval.ActionValue) (string, error) {
	ctx, end := startSpan(ctx, r.tracer, "hook.resolve",
		trace.WithAttributes(attribute.Bool("hook.approved", value.Approved)))
	runID, err := r.Registry.ResolveHook(ctx, token, value)
	if runID != "" {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("hook.run_id", runID))
	}
	end(err)
	r.recordResolution(err)
	return runID, err
}

func (r *InstrumentedRegistry) Expire(ctx context.Context, token string) error {
	ctx, end := startSpan(ctx, r.tracer, "hook.expire")
	err := r.Registry.Expire(ctx, token)
	end(err)
	return err
}

func (r *InstrumentedRegistry) recordResolution(err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.HookResolutionsTotal.WithLabelValues(resolutionResult(err)).Inc()
}

func resolutionResult(err error) string {
	switch {
	case err == nil:
		return "resolved"
	case errors.Is(err, approval.ErrNotFound):
		return "not_found"
	case errors.Is(err, approval.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, approval.ErrExpired):
		return "expired"
	default:
		return "error"
	}
}

// --- Compile-time interface checks ---

var (
	_ notification.SlackAPI = (*InstrumentedSlackAPI)(nil)
	_ approval.Registry     = (*InstrumentedRegistry)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
