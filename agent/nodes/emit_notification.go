package nodes

import (
	"context"
	"fmt"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	notifyx "github.com/clearhaul/clearhaul/agent/notify"
)

// EmitNotification fires the provider notification for every QUOTED or
// BOOKED entry this turn. The trigger is edge-triggered and deduped on the
// session, so reprocessing cannot double-fire.
func EmitNotification(ctx context.Context, st *GraphState, trigger *notifyx.Trigger) (*GraphState, error) {
	if st == nil || st.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if st.Replay {
		return st, nil
	}

	for _, status := range st.Entered {
		trigger.Fire(ctx, st.Session, status)
	}
	return st, nil
}
