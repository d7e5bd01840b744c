// Package escalation exposes the approval flow to agents as the ask_human tool.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/yencolon/human-in-the-loop-chat/internal/escalation"
	"github.com/yencolon/human-in-the-loop-chat/internal/tools"
)

// Requester runs one escalation to completion.
// Satisfied by *escalation.Orchestrator.
type Requester interface {
	Request(ctx context.Context, req escalation.Request) (*escalation.Result, error)
}

// AskHumanTool asks the configured Slack approver to decide on a proposed
// customer support solution and blocks until they do.
type AskHumanTool struct {
	requester Requester
	logger    *slog.Logger
}

// NewAskHumanTool creates an ask_human tool.
func NewAskHumanTool(requester Requester, logger *slog.Logger) *AskHumanTool {
	return &AskHumanTool{requester: requester, logger: logger}
}

func (t *AskHumanTool) Name() string { return "ask_human" }

func (t *AskHumanTool) Description() string {
	return "Ask human agent for approval. Sends the proposed solution for a customer issue " +
		"to a human reviewer on Slack and waits for them to approve or deny it."
}

func (t *AskHumanTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"customerName": map[string]any{
				"type":        "string",
				"description": "The name of the customer",
			},
			"issue": map[string]any{
				"type":        "string",
				"description": "The customer's issue",
			},
			"proposedSolution": map[string]any{
				"type":        "string",
				"description": "The proposed solution",
			},
		},
		"required": []string{"customerName", "issue", "proposedSolution"},
	}
}

func (t *AskHumanTool) Validate(params map[string]any) error {
	req, err := requestFrom(params)
	if err != nil {
		return err
	}
	return req.Validate()
}

func (t *AskHumanTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req, err := requestFrom(params)
	if err != nil {
		return nil, err
	}

	res, err := t.requester.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("asking for approval: %w", err)
	}

	t.logger.InfoContext(ctx, "ask_human decided",
		slog.String("run_id", res.RunID),
		slog.Bool("approved", res.Approved),
		slog.Bool("expired", res.Expired),
	)

	// The decision is the output; a denial is a successful call.
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding decision: %w", err)
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(string(out), tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"run_id":   res.RunID,
			"approved": res.Approved,
			"expired":  res.Expired,
		},
	}, nil
}

func requestFrom(params map[string]any) (escalation.Request, error) {
	var req escalation.Request
	var err error
	if req.CustomerName, err = tools.StringParam(params, "customerName"); err != nil {
		return req, err
	}
	if req.Issue, err = tools.StringParam(params, "issue"); err != nil {
		return req, err
	}
	if req.ProposedSolution, err = tools.StringParam(params, "proposedSolution"); err != nil {
		return req, err
	}
	return req, nil
}

var _ tools.Tool = (*AskHumanTool)(nil)
