package nodes

import (
	"context"
	"fmt"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

// PersistSession records the outbound turn and writes the session back with
// a conditional put against the version it was loaded at. A conflicting
// concurrent writer surfaces ErrStorageConflict and the controller restarts
// the pipeline from a fresh read.
func PersistSession(ctx context.Context, st *GraphState, store statex.Store) (*GraphState, error) {
	if st == nil || st.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if st.Replay {
		return st, nil
	}
	sess := st.Session

	if st.Reply != "" {
		sess.AppendTurn(contractx.SpeakerAssistant, st.Reply, st.Now)
	}
	sess.LastInboundID = st.MessageID
	sess.LastReply = st.Reply
	sess.Touch(st.Now)

	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}
	if err := store.Put(ctx, sess, st.BaseVersion); err != nil {
		return nil, err
	}
	return st, nil
}

// FinalizeReply produces the outbound text; empty means the transport sends
// nothing.
func FinalizeReply(st *GraphState) (GraphOutput, error) {
	if st == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	return GraphOutput{Reply: st.Reply}, nil
}
