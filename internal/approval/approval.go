// Package approval correlates suspended escalations with the human decision
// that eventually resolves them. A hook is created per request, keyed by an
// unguessable token, and resolved at most once.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("hook not found")
	ErrExpired          = errors.New("hook expired")
	ErrAlreadyResolved  = errors.New("hook already resolved")
	ErrMalformedPayload = errors.New("malformed action payload")
	ErrMissingToken     = errors.New("missing token")
)

// HookPrefix namespaces Slack-driven hooks in the registry.
const HookPrefix = "slack:"

// Status represents the state of a hook.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// StatusOf maps a decision to the hook status it produces.
func StatusOf(approved bool) Status {
	if approved {
		return StatusApproved
	}
	return StatusDenied
}

// ActionValue is the payload carried by each interactive control and echoed
// back by Slack when the control is clicked.
type ActionValue struct {
	Token    string `json:"token"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// HookSpec describes a hook to create.
type HookSpec struct {
	Token     string
	RunID     string
	Prompt    string    // Message text shown to the approver.
	ExpiresAt time.Time // Zero means no deadline.
}

// HookRecord is the persisted state of a hook.
type HookRecord struct {
	Key        string
	RunID      string
	Prompt     string
	Status     Status
	Approved   bool
	Comment    string
	Channel    string // Slack channel of the notification, once sent.
	MessageTS  string // Slack message timestamp, once sent.
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt time.Time
}

// Value returns the decision recorded on a resolved hook.
func (r *HookRecord) Value(token string) ActionValue {
	return ActionValue{Token: token, Approved: r.Approved, Comment: r.Comment}
}

// Future yields the decision for one hook.
type Future interface {
	Token() string
	RunID() string
	// Await blocks until the hook is resolved, the hook expires (ErrExpired),
	// or ctx is done.
	Await(ctx context.Context) (ActionValue, error)
}

// Registry is the suspend/resume capability the orchestrator depends on.
// Implementations must make ResolveHook first-writer-wins per token.
type Registry interface {
	CreateHook(ctx context.Context, spec HookSpec) (Future, error)
	// ResolveHook delivers value to the hook keyed by token and returns the
	// run ID waiting on it. Returns ErrNotFound, ErrAlreadyResolved or ErrExpired
	// when the hook cannot be resolved.
	ResolveHook(ctx context.Context, token string, value ActionValue) (string, error)
	// Expire moves a pending hook to StatusExpired.
	Expire(ctx context.Context, token string) error
	// BindMessage records where the notification for token was posted.
	BindMessage(ctx context.Context, token, channel, ts string) error
	// Attach returns a Future for an existing hook, looked up by run ID.
	Attach(ctx context.Context, runID string) (Future, error)
	// Get returns the current record of the hook keyed by token.
	Get(ctx context.Context, token string) (HookRecord, error)
}

// HookKey returns the registry key for a token.
func HookKey(token string) string {
	return HookPrefix + token
}

// TokenFromKey strips the hook prefix.
func TokenFromKey(key string) string {
	if len(key) > len(HookPrefix) && key[:len(HookPrefix)] == HookPrefix {
		return key[len(HookPrefix):]
	}
	return key
}

// NewToken returns a 256-bit random token, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Redact shortens a token for logs. Tokens are bearer credentials.
func Redact(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}
