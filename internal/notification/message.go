package notification

import (
	"fmt"
	"time"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/slack"
)

const (
	// ActionsBlockID identifies the Approve/Deny row of a pending message.
	ActionsBlockID = "approval_actions"

	footerTimeLayout = "2006-01-02 15:04:05 UTC"
)

// RequestBlocks builds the blocks of a pending approval message.
func RequestBlocks(text string, actions approval.ActionPair) ([]slack.Block, error) {
	approve, err := approval.EncodeAction(actions.Approve)
	if err != nil {
		return nil, err
	}
	deny, err := approval.EncodeAction(actions.Deny)
	if err != nil {
		return nil, err
	}

	return []slack.Block{
		slack.SectionBlock(text),
		slack.ActionsBlock(ActionsBlockID,
			slack.NewButton("✅ Approve", approval.ApproveActionID, approve, slack.StylePrimary, &slack.Confirm{
				Title:   slack.Plain("Confirm Approval"),
				Text:    slack.Markdown("Are you sure you want to approve this request?"),
				Confirm: slack.Plain("Yes, approve"),
				Deny:    slack.Plain("Cancel"),
			}),
			slack.NewButton("❌ Deny", approval.DenyActionID, deny, slack.StyleDanger, &slack.Confirm{
				Title:   slack.Plain("Confirm Denial"),
				Text:    slack.Markdown("Are you sure you want to deny this request?"),
				Confirm: slack.Plain("Yes, deny"),
				Deny:    slack.Plain("Cancel"),
			}),
		),
	}, nil
}

// Verdict returns the label shown for a final status.
func Verdict(s approval.Status) string {
	switch s {
	case approval.StatusApproved:
		return "✅ Approved"
	case approval.StatusDenied:
		return "❌ Denied"
	case approval.StatusExpired:
		return "⌛ Expired"
	default:
		return s.String()
	}
}

// ResolvedBlocks builds the fallback text and blocks of a final message.
// The result has no actions block.
func ResolvedBlocks(u Update, at time.Time) (string, []slack.Block) {
	verdict := Verdict(u.Status)

	var text, attribution string
	switch {
	case u.Status == approval.StatusExpired:
		text = verdict
		attribution = "No decision was received before the deadline."
	case u.Actor != "":
		text = verdict + " by " + u.Actor
		attribution = fmt.Sprintf("%s %s this request.", u.Actor, u.Status)
	default:
		text = verdict
		attribution = fmt.Sprintf("This request was %s.", u.Status)
	}

	body := fmt.Sprintf("*%s*\n\n%s", verdict, attribution)
	if u.OriginalText != "" {
		body = u.OriginalText + "\n\n" + body
	}

	return text, []slack.Block{
		slack.SectionBlock(body),
		slack.ContextBlock(fmt.Sprintf("ID: %s • %s", u.Reference, at.UTC().Format(footerTimeLayout))),
	}
}
