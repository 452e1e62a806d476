// Package controller is the session lifecycle composition root: it owns the
// per-message pipeline and serializes concurrent mutations of one customer's
// session through optimistic-concurrency retries.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	dispatchx "github.com/clearhaul/clearhaul/agent/dispatch"
	nodex "github.com/clearhaul/clearhaul/agent/nodes"
	notifyx "github.com/clearhaul/clearhaul/agent/notify"
	policyx "github.com/clearhaul/clearhaul/agent/policy"
	schedulex "github.com/clearhaul/clearhaul/agent/schedule"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

// FailureReply is the only thing a customer sees when the pipeline fails
// internally; the structured error goes to the log.
const FailureReply = "Sorry, something went wrong on our end. Please try again in a moment."

const defaultPutRetries = 3

type Config struct {
	Guards        statex.Guards
	MaxPutRetries int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Controller struct {
	store      statex.Store
	agent      contractx.ConversationAgent
	dispatcher *dispatchx.Dispatcher
	sched      *schedulex.Engine
	gate       *policyx.Gate
	trigger    *notifyx.Trigger

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	guards     statex.Guards
	putRetries int
	now        func() time.Time
}

func New(
	store statex.Store,
	agent contractx.ConversationAgent,
	dispatcher *dispatchx.Dispatcher,
	sched *schedulex.Engine,
	gate *policyx.Gate,
	trigger *notifyx.Trigger,
	cfg Config,
) (*Controller, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if agent == nil {
		return nil, errors.New("conversation agent is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if sched == nil {
		return nil, errors.New("scheduling engine is required")
	}
	if gate == nil {
		return nil, errors.New("policy gate is required")
	}
	if trigger == nil {
		return nil, errors.New("notification trigger is required")
	}

	guards := cfg.Guards
	if guards == (statex.Guards{}) {
		guards = statex.DefaultGuards()
	}
	retries := cfg.MaxPutRetries
	if retries <= 0 {
		retries = defaultPutRetries
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		store:      store,
		agent:      agent,
		dispatcher: dispatcher,
		sched:      sched,
		gate:       gate,
		trigger:    trigger,
		guards:     guards,
		putRetries: retries,
		now:        now,
	}

	graphRunner, err := c.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	c.graphRunner = graphRunner

	return c, nil
}

// HandleMessage processes one inbound message end to end and returns the
// outbound text (empty means send nothing). A stale session write restarts
// the pipeline from a fresh read, a bounded number of times; exhaustion
// escalates the session.
func (c *Controller) HandleMessage(ctx context.Context, customerPhone, messageID, text string) (string, error) {
	in := nodex.GraphInput{
		CustomerPhone: customerPhone,
		MessageID:     messageID,
		Text:          text,
	}

	var lastErr error
	for attempt := 0; attempt < c.putRetries; attempt++ {
		out, err := c.graphRunner.Invoke(ctx, in)
		if err == nil {
			return out.Reply, nil
		}
		if !errors.Is(err, contractx.ErrStorageConflict) {
			return "", err
		}
		lastErr = err
		log.Warn().
			Str("session_id", customerPhone).
			Int("attempt", attempt+1).
			Msg("session write conflict, reprocessing")
	}

	log.Error().
		Str("session_id", customerPhone).
		Err(lastErr).
		Msg("write conflicts exhausted, escalating session")
	c.escalateBestEffort(ctx, customerPhone)
	return FailureReply, nil
}

// Complete records the out-of-band service completion signal.
func (c *Controller) Complete(ctx context.Context, customerPhone string) error {
	return c.applyOutOfBand(ctx, customerPhone, statex.EventComplete)
}

// Cancel cancels the session and releases any held slot.
func (c *Controller) Cancel(ctx context.Context, customerPhone string) error {
	return c.applyOutOfBand(ctx, customerPhone, statex.EventCancel)
}

func (c *Controller) applyOutOfBand(ctx context.Context, customerPhone string, ev statex.Event) error {
	for attempt := 0; attempt < c.putRetries; attempt++ {
		sess, err := c.store.Get(ctx, customerPhone)
		if err != nil {
			return err
		}
		base := sess.Version

		if _, err := statex.Apply(sess, ev); err != nil {
			return err
		}
		releaseSlotID := ""
		if ev == statex.EventCancel && sess.Booking != nil && !sess.Booking.Cancelled {
			sess.Booking.Cancelled = true
			releaseSlotID = sess.Booking.SlotID
		}
		sess.Touch(c.now())

		err = c.store.Put(ctx, sess, base)
		if err == nil {
			// Released only once the cancellation is durable; a conflict retry
			// reloads the uncancelled session and must not free the slot again.
			if releaseSlotID != "" {
				if rerr := c.sched.ReleaseSlot(ctx, releaseSlotID); rerr != nil {
					log.Error().
						Str("session_id", customerPhone).
						Str("slot_id", releaseSlotID).
						Err(rerr).
						Msg("slot release after cancellation failed")
				}
			}
			return nil
		}
		if !errors.Is(err, contractx.ErrStorageConflict) {
			return err
		}
	}
	return contractx.ErrStorageConflict
}

func (c *Controller) escalateBestEffort(ctx context.Context, customerPhone string) {
	sess, err := c.store.Get(ctx, customerPhone)
	if err != nil {
		return
	}
	base := sess.Version
	if _, err := statex.Apply(sess, statex.EventEscalate); err != nil {
		return
	}
	sess.Touch(c.now())
	if err := c.store.Put(ctx, sess, base); err != nil {
		log.Error().
			Str("session_id", customerPhone).
			Err(err).
			Msg("best-effort escalation failed")
	}
}
