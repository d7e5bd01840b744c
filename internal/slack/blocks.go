package slack

// Block Kit types used by hitl. Only the subset needed for approval messages
// is modeled.

const (
	BlockSection = "section"
	BlockActions = "actions"
	BlockContext = "context"

	TextMarkdown = "mrkdwn"
	TextPlain    = "plain_text"

	StylePrimary = "primary"
	StyleDanger  = "danger"
)

// Text is a Block Kit text object.
type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// Markdown returns an mrkdwn text object.
func Markdown(s string) *Text { return &Text{Type: TextMarkdown, Text: s} }

// Plain returns a plain_text object with emoji enabled.
func Plain(s string) *Text { return &Text{Type: TextPlain, Text: s, Emoji: true} }

// Confirm is the confirmation dialog shown before a button fires.
type Confirm struct {
	Title   *Text `json:"title"`
	Text    *Text `json:"text"`
	Confirm *Text `json:"confirm"`
	Deny    *Text `json:"deny"`
}

// Button is an interactive button element.
type Button struct {
	Type     string   `json:"type"`
	Text     *Text    `json:"text"`
	ActionID string   `json:"action_id"`
	Value    string   `json:"value"`
	Style    string   `json:"style,omitempty"`
	Confirm  *Confirm `json:"confirm,omitempty"`
}

// NewButton creates a button element.
func NewButton(label, actionID, value, style string, confirm *Confirm) Button {
	return Button{
		Type:     "button",
		Text:     Plain(label),
		ActionID: actionID,
		Value:    value,
		Style:    style,
		Confirm:  confirm,
	}
}

// Block is a layout block. Elements holds Buttons for actions blocks and
// *Text values for context blocks.
type Block struct {
	Type     string `json:"type"`
	BlockID  string `json:"block_id,omitempty"`
	Text     *Text  `json:"text,omitempty"`
	Elements []any  `json:"elements,omitempty"`
}

// SectionBlock returns a section with mrkdwn text.
func SectionBlock(text string) Block {
	return Block{Type: BlockSection, Text: Markdown(text)}
}

// ActionsBlock returns an actions block holding buttons.
func ActionsBlock(blockID string, buttons ...Button) Block {
	elems := make([]any, len(buttons))
	for i, b := range buttons {
		elems[i] = b
	}
	return Block{Type: BlockActions, BlockID: blockID, Elements: elems}
}

// ContextBlock returns a context block with mrkdwn elements.
func ContextBlock(texts ...string) Block {
	elems := make([]any, len(texts))
	for i, t := range texts {
		elems[i] = Markdown(t)
	}
	return Block{Type: BlockContext, Elements: elems}
}

// HasActions reports whether any block is an actions block, which is how a
// still-pending approval message is recognized.
func HasActions(blocks []Block) bool {
	for _, b := range blocks {
		if b.Type == BlockActions {
			return true
		}
	}
	return false
}
