package state

import (
	"fmt"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
)

// Event names a trigger for one edge of the conversation status graph.
type Event string

const (
	EventFirstMessage   Event = "first_message"
	EventItemsConfirmed Event = "items_confirmed"
	EventQuoteGenerated Event = "quote_generated"
	EventPushback       Event = "pushback"
	EventQuoteAccepted  Event = "quote_accepted"
	EventSlotBooked     Event = "slot_booked"
	EventEscalate       Event = "escalate"
	EventComplete       Event = "complete"
	EventCancel         Event = "cancel"
)

type edge struct {
	from Status
	to   Status
}

// transitions is the full edge table; anything not listed is rejected.
// EventEscalate and EventCancel are handled separately because they fire
// from any non-terminal status.
var transitions = map[Event][]edge{
	EventFirstMessage:   {{StatusNew, StatusIntake}},
	EventItemsConfirmed: {{StatusIntake, StatusItemsConfirmed}},
	EventQuoteGenerated: {
		{StatusItemsConfirmed, StatusQuoted},
		{StatusNegotiating, StatusQuoted},
	},
	EventPushback:      {{StatusQuoted, StatusNegotiating}},
	EventQuoteAccepted: {{StatusQuoted, StatusScheduling}},
	EventSlotBooked:    {{StatusScheduling, StatusBooked}},
	EventComplete:      {{StatusBooked, StatusCompleted}},
}

// Apply fires one edge. On an illegal edge the session is left untouched and
// the error wraps ErrStateTransition with the attempted move for the log.
func Apply(s *Session, ev Event) (Status, error) {
	if s == nil {
		return "", ErrNilSession
	}

	var target Status
	switch ev {
	case EventEscalate:
		if s.Status.Terminal() {
			return "", transitionErr(s.Status, ev)
		}
		target = StatusEscalated
	case EventCancel:
		if s.Status.Terminal() {
			return "", transitionErr(s.Status, ev)
		}
		target = StatusCancelled
	default:
		edges, ok := transitions[ev]
		if !ok {
			return "", transitionErr(s.Status, ev)
		}
		found := false
		for _, e := range edges {
			if e.from == s.Status {
				target = e.to
				found = true
				break
			}
		}
		if !found {
			return "", transitionErr(s.Status, ev)
		}
	}

	s.Status = target
	s.TransitionSeq++
	return target, nil
}

func transitionErr(from Status, ev Event) error {
	return fmt.Errorf("%w: %s on %s", contractx.ErrStateTransition, ev, from)
}

// Guards is the configuration for forced escalation, checked independently of
// the model's intent.
type Guards struct {
	MaxStalledTurns  int
	LargeJobFraction float64
	HazardousCap     int
}

func DefaultGuards() Guards {
	return Guards{
		MaxStalledTurns:  3,
		LargeJobFraction: 0.75,
		HazardousCap:     3,
	}
}

// CheckGuards reports whether a guard trips for the session and why.
// Large jobs need an in-person estimate; hazardous loads above the cap need a
// human; repeated unproductive turns mean the conversation is stuck.
func CheckGuards(s *Session, g Guards) (string, bool) {
	if s == nil || s.Status.Terminal() || s.Status == StatusEscalated {
		return "", false
	}
	if g.MaxStalledTurns > 0 && s.StalledTurns >= g.MaxStalledTurns {
		return fmt.Sprintf("%d consecutive turns without an extractable field", s.StalledTurns), true
	}
	if g.LargeJobFraction > 0 && s.Quote != nil && s.Quote.TruckFraction > g.LargeJobFraction {
		return fmt.Sprintf("truck fraction %.2f exceeds large-job threshold", s.Quote.TruckFraction), true
	}
	if g.HazardousCap > 0 && s.Modifiers.HazardousCount > g.HazardousCap {
		return fmt.Sprintf("hazardous item count %d exceeds cap", s.Modifiers.HazardousCount), true
	}
	return "", false
}
