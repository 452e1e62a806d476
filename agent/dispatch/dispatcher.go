// Package dispatch reconciles the conversational agent's free-form output
// with the deterministic backend: it validates action envelopes against the
// session's current status and invokes exactly one engine per accepted
// action.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	quotex "github.com/clearhaul/clearhaul/agent/quote"
	schedulex "github.com/clearhaul/clearhaul/agent/schedule"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

const (
	clarifyReply         = "Sorry, I didn't quite get that. Could you tell me a bit more?"
	slotTakenReplyHeader = "That time was just taken. Closest open windows:"
	maxOfferedSlots      = 4
)

// Result is the structured outcome of one dispatched turn, merged into the
// session by the state machine step.
type Result struct {
	Reply  string
	Events []statex.Event

	Items     []quotex.Item
	Modifiers *quotex.Modifiers
	Quote     *quotex.Quote
	Booking   *schedulex.Booking

	Alternatives   []schedulex.Slot
	EscalateReason string

	// Stalled marks a turn that produced no accepted action while the
	// session was gathering required fields; it feeds the escalation guard.
	Stalled bool
}

type Dispatcher struct {
	quoteCfg quotex.Config
	sched    *schedulex.Engine
}

func New(quoteCfg quotex.Config, sched *schedulex.Engine) *Dispatcher {
	return &Dispatcher{quoteCfg: quoteCfg, sched: sched}
}

// Dispatch handles one agent reply. Plain text passes through unchanged. An
// action envelope is validated against the status's permitted set and its
// payload schema; rejections never mutate state and degrade to a clarifying
// reply instead of surfacing an internal error to the customer.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *statex.Session, reply contractx.AgentReply) (Result, error) {
	if reply.Action == nil || reply.Action.Kind == contractx.ActionReplyText {
		return Result{
			Reply:   reply.Text,
			Stalled: gatheringStatus(sess.Status),
		}, nil
	}

	res, err := d.dispatchAction(ctx, sess, reply)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, contractx.ErrActionValidation) {
		log.Warn().
			Str("session_id", sess.CustomerPhone).
			Str("status", string(sess.Status)).
			Str("action", string(reply.Action.Kind)).
			Err(err).
			Msg("action rejected")
		return Result{Reply: clarifyReply, Stalled: gatheringStatus(sess.Status)}, nil
	}
	return Result{}, err
}

func (d *Dispatcher) dispatchAction(ctx context.Context, sess *statex.Session, reply contractx.AgentReply) (Result, error) {
	action := reply.Action
	switch action.Kind {
	case contractx.ActionGenerateQuote:
		return d.generateQuote(sess, reply)
	case contractx.ActionBookSlot:
		return d.bookSlot(ctx, sess, reply)
	case contractx.ActionEscalate:
		if sess.Status.Terminal() {
			return Result{}, fmt.Errorf("%w: ESCALATE from terminal status %s", contractx.ErrActionValidation, sess.Status)
		}
		reason := ""
		if action.Escalate != nil {
			reason = action.Escalate.Reason
		}
		return Result{
			Reply:          reply.Text,
			Events:         []statex.Event{statex.EventEscalate},
			EscalateReason: reason,
		}, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown action kind %q", contractx.ErrActionValidation, action.Kind)
	}
}

func (d *Dispatcher) generateQuote(sess *statex.Session, reply contractx.AgentReply) (Result, error) {
	var events []statex.Event
	switch sess.Status {
	case statex.StatusIntake:
		events = []statex.Event{statex.EventItemsConfirmed, statex.EventQuoteGenerated}
	case statex.StatusItemsConfirmed, statex.StatusNegotiating:
		events = []statex.Event{statex.EventQuoteGenerated}
	case statex.StatusQuoted:
		// A revised quote from QUOTED is customer pushback followed by the
		// recompute; both edges fire in order.
		events = []statex.Event{statex.EventPushback, statex.EventQuoteGenerated}
	default:
		return Result{}, fmt.Errorf("%w: GENERATE_QUOTE not permitted from %s", contractx.ErrActionValidation, sess.Status)
	}

	payload := reply.Action.Quote
	if payload == nil {
		return Result{}, fmt.Errorf("%w: GENERATE_QUOTE missing payload", contractx.ErrActionValidation)
	}

	items, mods, err := validateQuotePayload(payload, sess)
	if err != nil {
		return Result{}, err
	}

	q := quotex.Compute(items, mods, d.quoteCfg)
	return Result{
		Reply:     reply.Text,
		Events:    events,
		Items:     items,
		Modifiers: &mods,
		Quote:     &q,
	}, nil
}

func (d *Dispatcher) bookSlot(ctx context.Context, sess *statex.Session, reply contractx.AgentReply) (Result, error) {
	var accept []statex.Event
	switch sess.Status {
	case statex.StatusQuoted:
		// Booking from QUOTED is the acceptance signal; the session passes
		// through SCHEDULING before BOOKED.
		accept = []statex.Event{statex.EventQuoteAccepted}
	case statex.StatusScheduling:
	default:
		return Result{}, fmt.Errorf("%w: BOOK_SLOT not permitted from %s", contractx.ErrActionValidation, sess.Status)
	}

	payload := reply.Action.Book
	if payload == nil || payload.SlotID == "" {
		return Result{}, fmt.Errorf("%w: BOOK_SLOT missing slot_id", contractx.ErrActionValidation)
	}
	if _, err := d.sched.SlotFromID(payload.SlotID); err != nil {
		return Result{}, err
	}

	booking, err := d.sched.Book(ctx, payload.SlotID, payload.Address, payload.AccessNotes, sess.Booking)
	if err == nil {
		return Result{
			Reply:   reply.Text,
			Events:  append(accept, statex.EventSlotBooked),
			Booking: &booking,
		}, nil
	}
	if !errors.Is(err, contractx.ErrSlotUnavailable) {
		return Result{}, err
	}

	// Lost the race: the customer stays in (or enters) SCHEDULING and gets
	// the closest alternatives; we never silently pick a different slot.
	alts, listErr := d.sched.ListSlots(ctx)
	if listErr != nil {
		return Result{}, listErr
	}
	log.Info().
		Str("session_id", sess.CustomerPhone).
		Str("slot_id", payload.SlotID).
		Msg("slot unavailable, offering alternatives")
	return Result{
		Reply:        offerAlternatives(alts),
		Events:       accept,
		Alternatives: alts,
	}, nil
}

func validateQuotePayload(p *contractx.QuotePayload, sess *statex.Session) ([]quotex.Item, quotex.Modifiers, error) {
	mods := quotex.Modifiers{
		StairsFlights:  p.Modifiers.StairsFlights,
		LongCarry:      p.Modifiers.LongCarry,
		HazardousCount: p.Modifiers.HazardousCount,
		SameDay:        p.Modifiers.SameDay,
		Curbside:       p.Modifiers.Curbside,
	}
	if mods.StairsFlights < 0 || mods.HazardousCount < 0 {
		return nil, mods, fmt.Errorf("%w: negative modifier count", contractx.ErrActionValidation)
	}

	if len(p.Items) == 0 {
		// A recompute may reuse the confirmed item list; a first quote from
		// INTAKE must carry one.
		if sess.Status == statex.StatusIntake || len(sess.Items) == 0 {
			return nil, mods, fmt.Errorf("%w: GENERATE_QUOTE requires an item list", contractx.ErrActionValidation)
		}
		return sess.Items, mods, nil
	}

	items := make([]quotex.Item, 0, len(p.Items))
	for i, in := range p.Items {
		category := strings.ToLower(strings.TrimSpace(in.Category))
		if !quotex.ValidCategory(category) {
			return nil, mods, fmt.Errorf("%w: item %d has unknown category %q", contractx.ErrActionValidation, i, in.Category)
		}
		if in.Quantity < 1 {
			return nil, mods, fmt.Errorf("%w: item %d quantity must be positive", contractx.ErrActionValidation, i)
		}
		if in.EstCubicYards < 0 {
			return nil, mods, fmt.Errorf("%w: item %d volume must be non-negative", contractx.ErrActionValidation, i)
		}
		name := strings.TrimSpace(in.Name)
		if name == "" {
			name = "Item"
		}
		items = append(items, quotex.Item{
			Name:          name,
			Category:      category,
			Quantity:      in.Quantity,
			EstCubicYards: in.EstCubicYards,
		})
	}
	return items, mods, nil
}

func offerAlternatives(alts []schedulex.Slot) string {
	if len(alts) == 0 {
		return "That time was just taken and nothing nearby is open. We'll text you when new windows free up."
	}
	lines := []string{slotTakenReplyHeader}
	for i, s := range alts {
		if i >= maxOfferedSlots {
			break
		}
		lines = append(lines, "- "+schedulex.FormatSlot(s))
	}
	return strings.Join(lines, "\n")
}

// gatheringStatus marks statuses whose turns must extract a required field to
// make progress.
func gatheringStatus(s statex.Status) bool {
	return s == statex.StatusIntake || s == statex.StatusScheduling
}
