package nodes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	schedulex "github.com/clearhaul/clearhaul/agent/schedule"
)

// ReleaseSlot frees the capacity of a slot cancelled earlier in the turn. It
// runs after the persist so a write conflict retry, which reloads the still
// uncancelled session, cannot decrement the same slot twice. A failed release
// leaks one unit of capacity, which is recoverable, so it never fails the
// turn.
func ReleaseSlot(ctx context.Context, st *GraphState, sched *schedulex.Engine) (*GraphState, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if st.Replay || st.ReleaseSlotID == "" {
		return st, nil
	}

	if err := sched.ReleaseSlot(ctx, st.ReleaseSlotID); err != nil {
		log.Error().
			Str("session_id", st.CustomerPhone).
			Str("slot_id", st.ReleaseSlotID).
			Err(err).
			Msg("slot release after cancellation failed")
	}
	return st, nil
}
