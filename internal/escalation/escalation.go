// Package escalation runs the approval flow for one request: it suspends on
// a hook, asks the approver through Slack, and resumes with the decision.
//
// Lifecycle of a run:
//
//	REQUESTED -> AWAITING_DECISION -> DECIDED
//	          \-> FAILED (the approval message could not be sent)
//
// A run resumes at most once. Expiry is a decision too: the result carries
// Expired and Approved=false, never a silent approval.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/notification"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

// Notifier sends and rewrites approval messages.
// Satisfied by *notification.Dispatcher.
type Notifier interface {
	Send(ctx context.Context, req notification.Request) (notification.MessageRef, error)
	Update(ctx context.Context, u notification.Update) error
}

// Result is the decision a run resumed with.
type Result struct {
	RunID    string `json:"runId"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
	Expired  bool   `json:"expired,omitempty"`
}

// Outcome is delivered once by Start.
type Outcome struct {
	Result *Result
	Err    error
}

// Config configures the orchestrator.
type Config struct {
	// Timeout bounds how long a run waits for a decision. Zero waits forever.
	Timeout time.Duration
}

// Orchestrator drives escalation runs. Thread-safe; all run state lives in
// the registry and the run log.
type Orchestrator struct {
	registry approval.Registry
	notifier Notifier
	events   *runlog.Log // nil = runs are not recorded.
	config   Config
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator.
func New(reg approval.Registry, notifier Notifier, events *runlog.Log, cfg Config, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		notifier: notifier,
		events:   events,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type pending struct {
	runID    string
	token    string
	future   approval.Future
	started  time.Time
	deadline time.Time // Zero = none.
}

// Request sends req to the approver and blocks until the run is decided or
// ctx is done. A cancelled ctx leaves the hook pending; Resume picks it up.
func (o *Orchestrator) Request(ctx context.Context, req Request) (*Result, error) {
	p, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.wait(ctx, p)
}

// Start sends req and waits for the decision in the background. ctx bounds
// the whole run, not only the send. The returned channel yields exactly one
// Outcome.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, <-chan Outcome, error) {
	p, err := o.begin(ctx, req)
	if err != nil {
		return "", nil, err
	}

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		res, err := o.wait(ctx, p)
		out <- Outcome{Result: res, Err: err}
	}()
	return p.runID, out, nil
}

// Resume re-attaches to the hook of runID, typically after a restart, and
// waits for its decision.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	fut, err := o.registry.Attach(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("attaching to run %s: %w", runID, err)
	}
	rec, err := o.registry.Get(ctx, fut.Token())
	if err != nil {
		return nil, fmt.Errorf("loading hook of run %s: %w", runID, err)
	}

	if rec.Status.Terminal() && o.recorded(ctx, runID) {
		return &Result{
			RunID:    runID,
			Approved: rec.Status == approval.StatusApproved,
			Comment:  rec.Comment,
			Expired:  rec.Status == approval.StatusExpired,
		}, nil
	}

	o.logger.InfoContext(ctx, "resuming escalation",
		slog.String("run_id", runID),
		slog.String("status", rec.Status.String()),
	)
	o.metrics.started()
	return o.wait(ctx, &pending{
		runID:    runID,
		token:    fut.Token(),
		future:   fut,
		started:  rec.CreatedAt,
		deadline: rec.ExpiresAt,
	})
}

func (o *Orchestrator) begin(ctx context.Context, req Request) (*pending, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	token, err := approval.NewToken()
	if err != nil {
		return nil, err
	}

	p := &pending{
		runID:   uuid.NewString(),
		token:   token,
		started: o.now(),
	}
	if o.config.Timeout > 0 {
		p.deadline = p.started.Add(o.config.Timeout)
	}
	prompt := req.Prompt()

	o.record(ctx, p.runID, runlog.EventRequested, req)

	p.future, err = o.registry.CreateHook(ctx, approval.HookSpec{
		Token:     token,
		RunID:     p.runID,
		Prompt:    prompt,
		ExpiresAt: p.deadline,
	})
	if err != nil {
		o.record(ctx, p.runID, runlog.EventFailed, failure{Error: err.Error()})
		return nil, fmt.Errorf("creating hook for run %s: %w", p.runID, err)
	}
	o.metrics.started()

	ref, err := o.notifier.Send(ctx, notification.Request{
		Text:      prompt,
		Actions:   approval.NewActionPair(token),
		Reference: p.runID,
	})
	if err != nil {
		if !errors.Is(err, notification.ErrSendFailed) {
			err = fmt.Errorf("%w: %w", notification.ErrSendFailed, err)
		}
		// Nobody can answer a message that was never delivered.
		if expErr := o.registry.Expire(context.WithoutCancel(ctx), token); expErr != nil {
			o.logger.WarnContext(ctx, "expiring undeliverable hook",
				slog.String("run_id", p.runID),
				slog.String("error", expErr.Error()),
			)
		}
		o.record(ctx, p.runID, runlog.EventFailed, failure{Error: err.Error()})
		o.metrics.finished("failed", p.started)
		o.logger.ErrorContext(ctx, "escalation failed",
			slog.String("run_id", p.runID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("escalation %s: %w", p.runID, err)
	}

	if err := o.registry.BindMessage(ctx, token, ref.Channel, ref.TS); err != nil {
		o.logger.WarnContext(ctx, "binding message to hook",
			slog.String("run_id", p.runID),
			slog.String("error", err.Error()),
		)
	}
	o.record(ctx, p.runID, runlog.EventNotified, notified{Channel: ref.Channel, TS: ref.TS})

	o.logger.InfoContext(ctx, "awaiting decision",
		slog.String("run_id", p.runID),
		slog.String("token", approval.Redact(token)),
	)
	return p, nil
}

func (o *Orchestrator) wait(ctx context.Context, p *pending) (*Result, error) {
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if !p.deadline.IsZero() {
		waitCtx, cancel = context.WithDeadline(ctx, p.deadline)
	}
	defer cancel()

	v, err := p.future.Await(waitCtx)
	switch {
	case err == nil:
		return o.decided(ctx, p, v), nil
	case errors.Is(err, approval.ErrExpired):
		// Expired elsewhere (sweeper or another process); the message was
		// already rewritten there.
		return o.expired(ctx, p, false), nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return o.timeout(ctx, p)
	default:
		o.metrics.detached()
		return nil, err
	}
}

func (o *Orchestrator) timeout(ctx context.Context, p *pending) (*Result, error) {
	err := o.registry.Expire(context.WithoutCancel(ctx), p.token)
	if errors.Is(err, approval.ErrAlreadyResolved) {
		// A decision landed at the deadline; it wins.
		v, err := p.future.Await(ctx)
		if errors.Is(err, approval.ErrExpired) {
			return o.expired(ctx, p, false), nil
		}
		if err != nil {
			o.metrics.detached()
			return nil, err
		}
		return o.decided(ctx, p, v), nil
	}
	if err != nil {
		o.metrics.detached()
		return nil, fmt.Errorf("expiring hook of run %s: %w", p.runID, err)
	}
	return o.expired(ctx, p, true), nil
}

func (o *Orchestrator) decided(ctx context.Context, p *pending, v approval.ActionValue) *Result {
	res := &Result{RunID: p.runID, Approved: v.Approved, Comment: v.Comment}
	o.record(ctx, p.runID, runlog.EventDecided, res)
	o.metrics.finished(approval.StatusOf(v.Approved).String(), p.started)

	o.logger.InfoContext(ctx, "escalation decided",
		slog.String("run_id", p.runID),
		slog.Bool("approved", v.Approved),
	)
	return res
}

func (o *Orchestrator) expired(ctx context.Context, p *pending, rewrite bool) *Result {
	if rewrite {
		bg := context.WithoutCancel(ctx)
		rec, err := o.registry.Get(bg, p.token)
		if err == nil && rec.Channel != "" {
			// Soft: the notifier logs its own failures.
			_ = o.notifier.Update(bg, notification.Update{
				Channel:      rec.Channel,
				TS:           rec.MessageTS,
				Status:       approval.StatusExpired,
				OriginalText: rec.Prompt,
				Reference:    p.runID,
			})
		}
	}

	res := &Result{RunID: p.runID, Expired: true}
	o.record(ctx, p.runID, runlog.EventDecided, res)
	o.metrics.finished(approval.StatusExpired.String(), p.started)

	o.logger.InfoContext(ctx, "escalation expired", slog.String("run_id", p.runID))
	return res
}

type failure struct {
	Error string `json:"error"`
}

type notified struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (o *Orchestrator) record(ctx context.Context, runID string, typ runlog.EventType, data any) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Append(context.WithoutCancel(ctx), runID, typ, data); err != nil {
		o.logger.WarnContext(ctx, "recording run event",
			slog.String("run_id", runID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

// recorded reports whether runID already has a terminal event.
func (o *Orchestrator) recorded(ctx context.Context, runID string) bool {
	if o.events == nil {
		return false
	}
	events, err := o.events.Replay(ctx, runID, 0)
	if err != nil || len(events) == 0 {
		return false
	}
	return events[len(events)-1].Type.Terminal()
}
