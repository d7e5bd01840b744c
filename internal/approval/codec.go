package approval

import (
	"encoding/json"
	"fmt"
)

// Action IDs of the two interactive controls. The control a human clicks
// decides the verdict.
const (
	ApproveActionID = "approve_action"
	DenyActionID    = "deny_action"
)

// ActionPair holds the two payloads attached to one notification.
type ActionPair struct {
	Approve ActionValue
	Deny    ActionValue
}

// NewActionPair builds the approve and deny payloads sharing token.
func NewActionPair(token string) ActionPair {
	return ActionPair{
		Approve: ActionValue{Token: token, Approved: true},
		Deny:    ActionValue{Token: token, Approved: false},
	}
}

// EncodeAction serializes v for a control's value field.
func EncodeAction(v ActionValue) (string, error) {
	if v.Token == "" {
		return "", ErrMissingToken
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding action value: %w", err)
	}
	return string(b), nil
}

// DecodeAction parses the value of the control identified by actionID.
// Anything that is not a well-formed ActionValue matching its control is
// ErrMalformedPayload; a missing token is ErrMissingToken.
func DecodeAction(actionID, raw string) (ActionValue, error) {
	var v ActionValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return ActionValue{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if v.Token == "" {
		return ActionValue{}, ErrMissingToken
	}

	switch actionID {
	case ApproveActionID:
		if !v.Approved {
			return ActionValue{}, fmt.Errorf("%w: %s carries a denial", ErrMalformedPayload, actionID)
		}
	case DenyActionID:
		if v.Approved {
			return ActionValue{}, fmt.Errorf("%w: %s carries an approval", ErrMalformedPayload, actionID)
		}
	default:
		return ActionValue{}, fmt.Errorf("%w: unknown action %q", ErrMalformedPayload, actionID)
	}
	return v, nil
}
