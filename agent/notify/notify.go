// Package notify fires provider notifications on entry into QUOTED or
// BOOKED. Firing is edge-triggered and at-most-once per (session, target
// status); delivery is best-effort and never rolls back a transition.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

type Trigger struct {
	notifier contractx.Notifier
	timeout  time.Duration
}

func NewTrigger(notifier contractx.Notifier, timeout time.Duration) *Trigger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Trigger{notifier: notifier, timeout: timeout}
}

// Fire emits the notification for the session's entry into status, if one is
// due. The dedupe bookkeeping lives on the session so a reprocessed inbound
// message never re-fires; the returned flag says whether the session was
// marked and must be persisted.
func (t *Trigger) Fire(ctx context.Context, sess *statex.Session, status statex.Status) bool {
	if t == nil || t.notifier == nil || sess == nil {
		return false
	}
	if status != statex.StatusQuoted && status != statex.StatusBooked {
		return false
	}
	if sess.WasNotified(status) {
		return false
	}

	event := contractx.NotificationEvent{
		DedupeKey:     DedupeKey(sess.CustomerPhone, status, sess.TransitionSeq),
		CustomerPhone: sess.CustomerPhone,
		Status:        string(status),
		TransitionSeq: sess.TransitionSeq,
	}
	if sess.Quote != nil {
		event.Quote = sess.Quote.Snapshot()
	}
	if status == statex.StatusBooked && sess.Booking != nil {
		event.Booking = sess.Booking.Snapshot()
	}

	// Mark before delivery: at-least-once is the collaborator's concern and
	// a delivery failure must not re-trigger on retry.
	sess.MarkNotified(status)

	nctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.notifier.Notify(nctx, event); err != nil {
		log.Error().
			Str("session_id", sess.CustomerPhone).
			Str("status", string(status)).
			Str("dedupe_key", event.DedupeKey).
			Err(err).
			Msg("notification delivery failed")
	}
	return true
}

func DedupeKey(customerPhone string, status statex.Status, seq int) string {
	return fmt.Sprintf("%s:%s:%d", customerPhone, status, seq)
}
