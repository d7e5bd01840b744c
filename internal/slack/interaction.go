package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrNoPayload is returned when a form body carries no payload field.
var ErrNoPayload = errors.New("missing payload field")

// InteractionPayload is the block_actions payload Slack posts when a user
// clicks an interactive control.
type InteractionPayload struct {
	Type        string            `json:"type"`
	User        InteractionUser   `json:"user"`
	Container   Container         `json:"container"`
	Channel     InteractionTarget `json:"channel"`
	Message     InteractionMsg    `json:"message"`
	ResponseURL string            `json:"response_url"`
	TriggerID   string            `json:"trigger_id"`
	Actions     []BlockAction     `json:"actions"`
}

type InteractionUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type Container struct {
	Type      string `json:"type"`
	MessageTS string `json:"message_ts"`
	ChannelID string `json:"channel_id"`
}

type InteractionTarget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type InteractionMsg struct {
	TS   string `json:"ts"`
	Text string `json:"text"`
}

// BlockAction is one activated control.
type BlockAction struct {
	ActionID string `json:"action_id"`
	BlockID  string `json:"block_id"`
	Value    string `json:"value"`
	ActionTS string `json:"action_ts"`
}

// ParseInteraction decodes the url-encoded form body of an interaction
// callback. The body must already be authenticated.
func ParseInteraction(body []byte) (*InteractionPayload, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form: %w", err)
	}
	raw := values.Get("payload")
	if raw == "" {
		return nil, ErrNoPayload
	}

	var p InteractionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &p, nil
}

// ChannelID returns the channel of the clicked message.
func (p *InteractionPayload) ChannelID() string {
	if p.Container.ChannelID != "" {
		return p.Container.ChannelID
	}
	return p.Channel.ID
}

// MessageTS returns the timestamp of the clicked message.
func (p *InteractionPayload) MessageTS() string {
	if p.Container.MessageTS != "" {
		return p.Container.MessageTS
	}
	return p.Message.TS
}

// Actor returns a mention for the clicking user.
func (p *InteractionPayload) Actor() string {
	if p.User.ID != "" {
		return "<@" + p.User.ID + ">"
	}
	if p.User.Username != "" {
		return p.User.Username
	}
	return "someone"
}
