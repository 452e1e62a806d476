package state

import (
	"errors"
	"fmt"
	"time"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	quotex "github.com/clearhaul/clearhaul/agent/quote"
	schedulex "github.com/clearhaul/clearhaul/agent/schedule"
)

// maxHistoryTurns bounds the conversation window persisted per customer.
const maxHistoryTurns = 40

type Status string

const (
	StatusNew            Status = "NEW"
	StatusIntake         Status = "INTAKE"
	StatusItemsConfirmed Status = "ITEMS_CONFIRMED"
	StatusQuoted         Status = "QUOTED"
	StatusNegotiating    Status = "NEGOTIATING"
	StatusScheduling     Status = "SCHEDULING"
	StatusBooked         Status = "BOOKED"
	StatusEscalated      Status = "ESCALATED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Session is the persistent source-of-truth for one customer negotiation.
// It is owned by the lifecycle controller; the store is a passive collaborator
// and concurrent writers are serialized by the Version field.
type Session struct {
	CustomerPhone string `json:"customer_phone"`
	Status        Status `json:"status"`

	History   []contractx.Turn   `json:"history,omitempty"`
	Items     []quotex.Item      `json:"items,omitempty"`
	Modifiers quotex.Modifiers   `json:"modifiers"`
	Quote     *quotex.Quote      `json:"quote,omitempty"`
	Booking   *schedulex.Booking `json:"booking,omitempty"`

	// TransitionSeq counts applied status transitions; it feeds the
	// notification dedupe key.
	TransitionSeq int            `json:"transition_seq"`
	Notified      map[Status]int `json:"notified,omitempty"`

	StalledTurns int    `json:"stalled_turns"`
	ThrottledDay string `json:"throttled_day,omitempty"` // start day of the quiet window already acknowledged

	LastInboundID string `json:"last_inbound_id,omitempty"`
	LastReply     string `json:"last_reply,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNilSession      = errors.New("session is nil")
	ErrInvalidPhone    = errors.New("customer phone is empty")
)

func NewSession(customerPhone string, now time.Time) *Session {
	return &Session{
		CustomerPhone: customerPhone,
		Status:        StatusNew,
		Notified:      make(map[Status]int, 2),
		UpdatedAt:     now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// AppendTurn records a conversation turn and trims the window.
func (s *Session) AppendTurn(speaker, text string, now time.Time) {
	s.History = append(s.History, contractx.Turn{
		Speaker: speaker,
		Text:    text,
		TS:      now.UTC(),
	})
	if len(s.History) > maxHistoryTurns {
		s.History = s.History[len(s.History)-maxHistoryTurns:]
	}
}

// AssistantTurnsOn counts assistant-originated turns on the given local
// calendar day. Used by the per-day outbound cap.
func (s *Session) AssistantTurnsOn(day string, loc *time.Location) int {
	n := 0
	for _, t := range s.History {
		if t.Speaker != contractx.SpeakerAssistant {
			continue
		}
		if t.TS.In(loc).Format("2006-01-02") == day {
			n++
		}
	}
	return n
}

// SetQuote replaces the prior quote; quotes are immutable once produced.
func (s *Session) SetQuote(q quotex.Quote) {
	s.Quote = &q
}

// Notified status bookkeeping for at-most-once notification per
// (session, target status) pair.
func (s *Session) MarkNotified(status Status) {
	if s.Notified == nil {
		s.Notified = make(map[Status]int, 2)
	}
	s.Notified[status] = s.TransitionSeq
}

func (s *Session) WasNotified(status Status) bool {
	if s.Notified == nil {
		return false
	}
	_, ok := s.Notified[status]
	return ok
}

func (s *Session) Validate() error {
	if s.CustomerPhone == "" {
		return ErrInvalidPhone
	}
	if !validStatus(s.Status) {
		return fmt.Errorf("%w: unknown status %q", contractx.ErrValidation, s.Status)
	}
	if s.Quote != nil && s.Quote.AmountMinCents > s.Quote.AmountMaxCents {
		return fmt.Errorf("%w: quote range inverted", contractx.ErrValidation)
	}
	if s.Status == StatusBooked && (s.Booking == nil || s.Booking.Cancelled) {
		return fmt.Errorf("%w: BOOKED without an active booking", contractx.ErrValidation)
	}
	return nil
}

func validStatus(s Status) bool {
	switch s {
	case StatusNew, StatusIntake, StatusItemsConfirmed, StatusQuoted,
		StatusNegotiating, StatusScheduling, StatusBooked, StatusEscalated,
		StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
