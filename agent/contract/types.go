package contract

import "time"

type ActionKind string

const (
	ActionGenerateQuote ActionKind = "GENERATE_QUOTE"
	ActionBookSlot      ActionKind = "BOOK_SLOT"
	ActionEscalate      ActionKind = "ESCALATE"
	ActionReplyText     ActionKind = "REPLY_TEXT"
)

// ActionEnvelope is the agent's structured request for a deterministic backend
// operation. Exactly one payload field is set, matching Kind; REPLY_TEXT
// carries no payload.
type ActionEnvelope struct {
	Kind     ActionKind       `json:"type"`
	Quote    *QuotePayload    `json:"quote,omitempty"`
	Book     *BookPayload     `json:"book,omitempty"`
	Escalate *EscalatePayload `json:"escalate,omitempty"`
}

type QuotePayload struct {
	Items     []ItemInput    `json:"items"`
	Modifiers ModifiersInput `json:"modifiers"`
}

type ItemInput struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Quantity      int     `json:"quantity"`
	EstCubicYards float64 `json:"est_cubic_yards"`
}

type ModifiersInput struct {
	StairsFlights  int  `json:"stairs_flights"`
	LongCarry      bool `json:"long_carry"`
	HazardousCount int  `json:"hazardous_count"`
	SameDay        bool `json:"same_day"`
	Curbside       bool `json:"curbside"`
}

type BookPayload struct {
	SlotID      string `json:"slot_id"`
	Address     string `json:"address,omitempty"`
	AccessNotes string `json:"access_notes,omitempty"`
}

type EscalatePayload struct {
	Reason string `json:"reason,omitempty"`
}

// AgentRequest carries the context the conversational agent needs for one turn.
type AgentRequest struct {
	Status  string
	History []Turn
}

// AgentReply is the model's raw output split into visible SMS text and an
// optional action envelope.
type AgentReply struct {
	Text   string
	Action *ActionEnvelope
}

type Turn struct {
	Speaker string    `json:"speaker"` // "customer" | "assistant"
	Text    string    `json:"text"`
	TS      time.Time `json:"ts"`
}

const (
	SpeakerCustomer  = "customer"
	SpeakerAssistant = "assistant"
)

// NotificationEvent snapshots a quote or booking at the moment of transition.
type NotificationEvent struct {
	DedupeKey     string         `json:"dedupe_key"`
	CustomerPhone string         `json:"customer_phone"`
	Status        string         `json:"status"`
	TransitionSeq int            `json:"transition_seq"`
	Quote         map[string]any `json:"quote,omitempty"`
	Booking       map[string]any `json:"booking,omitempty"`
}
