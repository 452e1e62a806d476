package dispatch

import (
	"encoding/json"
	"strings"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
)

const actionPrefix = "ACTION:"

// rawAction is the flat JSON the model emits on its ACTION line.
type rawAction struct {
	Type        string                   `json:"type"`
	Items       []contractx.ItemInput    `json:"items"`
	Modifiers   contractx.ModifiersInput `json:"modifiers"`
	SlotID      string                   `json:"slot_id"`
	Address     string                   `json:"address"`
	AccessNotes string                   `json:"access_notes"`
	Reason      string                   `json:"reason"`
}

// ParseReply splits the model's raw output into visible SMS text and at most
// one action envelope. A line starting with "ACTION:" carrying a JSON object
// becomes the envelope and is removed from the text; malformed JSON is kept
// as plain text rather than rejected, matching the wire protocol's
// best-effort stance on the model side. Validation proper happens in
// Dispatch.
func ParseReply(raw string) contractx.AgentReply {
	var action *contractx.ActionEnvelope
	kept := make([]string, 0, 4)

	for _, line := range strings.Split(raw, "\n") {
		stripped := strings.TrimSpace(line)
		if action == nil && strings.HasPrefix(stripped, actionPrefix) {
			payload := strings.TrimSpace(stripped[len(actionPrefix):])
			if parsed, ok := decodeAction(payload); ok {
				action = parsed
				continue
			}
		}
		kept = append(kept, line)
	}

	return contractx.AgentReply{
		Text:   strings.TrimSpace(strings.Join(kept, "\n")),
		Action: action,
	}
}

func decodeAction(payload string) (*contractx.ActionEnvelope, bool) {
	var raw rawAction
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, false
	}

	kind := contractx.ActionKind(strings.ToUpper(strings.TrimSpace(raw.Type)))
	env := &contractx.ActionEnvelope{Kind: kind}
	switch kind {
	case contractx.ActionGenerateQuote:
		env.Quote = &contractx.QuotePayload{Items: raw.Items, Modifiers: raw.Modifiers}
	case contractx.ActionBookSlot:
		env.Book = &contractx.BookPayload{
			SlotID:      strings.TrimSpace(raw.SlotID),
			Address:     strings.TrimSpace(raw.Address),
			AccessNotes: strings.TrimSpace(raw.AccessNotes),
		}
	case contractx.ActionEscalate:
		env.Escalate = &contractx.EscalatePayload{Reason: strings.TrimSpace(raw.Reason)}
	case contractx.ActionReplyText:
		// carries no payload
	default:
		// Unknown kinds are rejected rather than coerced; surface the
		// envelope so Dispatch can log the rejection.
	}
	return env, true
}
