// Package notification delivers approval requests to a Slack approver and
// rewrites those messages once a decision (or the deadline) arrives.
//
// A send failure is surfaced to the caller. Update failures are reported but
// are soft: the decision is already recorded by the time a message is
// rewritten.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/slack"
)

var (
	ErrSendFailed   = errors.New("notification send failed")
	ErrUpdateFailed = errors.New("notification update failed")
)

// requiredScopes is logged when Slack rejects a call for missing_scope.
const requiredScopes = "chat:write, im:write"

// SlackAPI is the subset of the Slack Web API the dispatcher uses.
// Satisfied by *slack.Client.
type SlackAPI interface {
	OpenConversation(ctx context.Context, userID string) (string, error)
	PostMessage(ctx context.Context, msg slack.Message) (slack.PostedMessage, error)
	UpdateMessage(ctx context.Context, msg slack.Message) error
	Respond(ctx context.Context, responseURL string, msg slack.ResponseMessage) error
}

// Config configures where approval requests go.
type Config struct {
	TargetUserID string // Approver's Slack user ID; messages go to their DM.
	Channel      string // Optional channel ID used instead of the DM.
}

// Request is an approval message to send.
type Request struct {
	Text      string
	Actions   approval.ActionPair
	Reference string // Run ID, for logs.
}

// MessageRef identifies a posted message.
type MessageRef struct {
	Channel string
	TS      string
}

// Update rewrites a posted message to its final state. Either ResponseURL or
// Channel and TS must be set; ResponseURL is preferred.
type Update struct {
	ResponseURL  string
	Channel      string
	TS           string
	Status       approval.Status
	Actor        string // e.g. "<@U123>"; empty for expirations.
	OriginalText string
	Reference    string // Shown in the footer.
}

// Dispatcher sends and updates approval messages. Thread-safe.
type Dispatcher struct {
	api    SlackAPI
	config Config
	now    func() time.Time
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over api.
func NewDispatcher(api SlackAPI, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:    api,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Send posts an approval request with Approve and Deny controls.
func (d *Dispatcher) Send(ctx context.Context, req Request) (MessageRef, error) {
	blocks, err := RequestBlocks(req.Text, req.Actions)
	if err != nil {
		return MessageRef{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	channel := d.config.Channel
	if channel == "" {
		if d.config.TargetUserID == "" {
			return MessageRef{}, fmt.Errorf("%w: no target user configured", ErrSendFailed)
		}
		channel, err = d.api.OpenConversation(ctx, d.config.TargetUserID)
		if err != nil {
			d.logSlackError(ctx, "opening conversation", req.Reference, err)
			return MessageRef{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
	}

	posted, err := d.api.PostMessage(ctx, slack.Message{
		Channel: channel,
		Text:    req.Text,
		Blocks:  blocks,
	})
	if err != nil {
		d.logSlackError(ctx, "posting message", req.Reference, err)
		return MessageRef{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	d.logger.InfoContext(ctx, "approval request sent",
		slog.String("run_id", req.Reference),
		slog.String("channel", posted.Channel),
		slog.String("ts", posted.TS),
	)
	return MessageRef{Channel: posted.Channel, TS: posted.TS}, nil
}

// Update rewrites a message to its decided or expired state.
func (d *Dispatcher) Update(ctx context.Context, u Update) error {
	text, blocks := ResolvedBlocks(u, d.now())

	var err error
	path := "response_url"
	switch {
	case u.ResponseURL != "":
		err = d.api.Respond(ctx, u.ResponseURL, slack.ResponseMessage{
			ReplaceOriginal: true,
			Text:            text,
			Blocks:          blocks,
		})
	case u.Channel != "" && u.TS != "":
		path = "chat_update"
		err = d.api.UpdateMessage(ctx, slack.Message{
			Channel: u.Channel,
			TS:      u.TS,
			Text:    text,
			Blocks:  blocks,
		})
	default:
		err = errors.New("no message reference")
	}

	if err != nil {
		d.logger.WarnContext(ctx, "updating approval message failed",
			slog.String("run_id", u.Reference),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	d.logger.InfoContext(ctx, "approval message updated",
		slog.String("run_id", u.Reference),
		slog.String("status", u.Status.String()),
		slog.String("path", path),
	)
	return nil
}

// NotifyExpired rewrites the message of a hook that expired unanswered.
func (d *Dispatcher) NotifyExpired(ctx context.Context, rec approval.HookRecord) error {
	return d.Update(ctx, Update{
		Channel:      rec.Channel,
		TS:           rec.MessageTS,
		Status:       approval.StatusExpired,
		OriginalText: rec.Prompt,
		Reference:    rec.RunID,
	})
}

func (d *Dispatcher) logSlackError(ctx context.Context, msg, runID string, err error) {
	attrs := []any{
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, slack.ErrMissingScope) {
		attrs = append(attrs, slog.String("hint", "add the "+requiredScopes+" scopes to the bot token and reinstall the app"))
	}
	d.logger.ErrorContext(ctx, msg, attrs...)
}
