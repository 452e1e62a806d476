package nodes

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

// LoadSession reads the customer's session, creating a fresh NEW one when
// absent. A replayed inbound message (same message id as the last processed
// one) short-circuits the whole pipeline with the stored reply, which is what
// makes retried webhook deliveries idempotent.
func LoadSession(ctx context.Context, st *GraphState, store statex.Store) (*GraphState, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	sess, err := store.Get(ctx, st.CustomerPhone)
	if err != nil {
		if !errors.Is(err, statex.ErrSessionNotFound) {
			return nil, err
		}
		sess = statex.NewSession(st.CustomerPhone, st.Now)
	}

	st.Session = sess
	st.BaseVersion = sess.Version

	if sess.LastInboundID != "" && sess.LastInboundID == st.MessageID {
		st.Replay = true
		st.Reply = sess.LastReply
	}
	return st, nil
}
