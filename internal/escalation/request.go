package escalation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest is returned for requests missing a required field.
var ErrInvalidRequest = errors.New("invalid escalation request")

// Request is what an agent asks a human to decide on.
type Request struct {
	CustomerName     string `json:"customerName"`
	Issue            string `json:"issue"`
	ProposedSolution string `json:"proposedSolution"`
}

// Validate checks that every field is present.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.CustomerName) == "" {
		missing = append(missing, "customerName")
	}
	if strings.TrimSpace(r.Issue) == "" {
		missing = append(missing, "issue")
	}
	if strings.TrimSpace(r.ProposedSolution) == "" {
		missing = append(missing, "proposedSolution")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Prompt renders the message shown to the approver.
func (r Request) Prompt() string {
	return "\n*New customer support escalation request*\n" +
		"*Customer Name:* " + r.CustomerName + "\n" +
		"*Issue:* " + r.Issue + "\n" +
		"*Proposed Solution:* " + r.ProposedSolution + "\n" +
		"Please review and respond via the Slack message."
}
