package nodes

import (
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

const escalatedReply = "Let me connect you with our team — someone will text you shortly."

// ApplyTransition merges the dispatch result into the session, fires the
// resulting edges, and runs the escalation guards. Guards are checked after
// the merge so they see the data this turn produced, and they trip
// independently of anything the model intended.
func ApplyTransition(st *GraphState, guards statex.Guards) (*GraphState, error) {
	if st == nil || st.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if st.Replay {
		return st, nil
	}
	sess := st.Session

	if st.CancelRequested {
		if _, err := statex.Apply(sess, statex.EventCancel); err != nil {
			return nil, err
		}
		st.Entered = append(st.Entered, sess.Status)
		if sess.Booking != nil && !sess.Booking.Cancelled {
			// Capacity is freed downstream, after the cancelled session has
			// been written. Releasing here would double-free on a write
			// conflict retry.
			sess.Booking.Cancelled = true
			st.ReleaseSlotID = sess.Booking.SlotID
		}
		return st, nil
	}
	if st.AgentDown {
		return st, nil
	}

	res := st.Result

	if len(res.Items) > 0 {
		sess.Items = res.Items
	}
	if res.Modifiers != nil {
		sess.Modifiers = *res.Modifiers
	}
	if res.Quote != nil {
		sess.SetQuote(*res.Quote)
	}
	if res.Booking != nil {
		if sess.Booking != nil && !sess.Booking.Cancelled {
			sess.Booking.Cancelled = true
		}
		sess.Booking = res.Booking
	}

	if res.Stalled {
		sess.StalledTurns++
	} else if len(res.Events) > 0 {
		sess.StalledTurns = 0
	}

	for _, ev := range res.Events {
		if _, err := statex.Apply(sess, ev); err != nil {
			// The dispatcher validated the edge set against the status it
			// saw, so a rejection here is a programming error; leave the
			// session as-is and degrade.
			log.Error().
				Str("session_id", sess.CustomerPhone).
				Str("status", string(sess.Status)).
				Str("event", string(ev)).
				Err(err).
				Msg("transition rejected")
			return nil, err
		}
		st.Entered = append(st.Entered, sess.Status)
	}

	if reason, tripped := statex.CheckGuards(sess, guards); tripped {
		if _, err := statex.Apply(sess, statex.EventEscalate); err == nil {
			st.Entered = append(st.Entered, sess.Status)
			log.Warn().
				Str("session_id", sess.CustomerPhone).
				Str("reason", reason).
				Msg("guard escalated session")
			if st.Reply == "" {
				st.Reply = escalatedReply
			}
		}
	}
	return st, nil
}
