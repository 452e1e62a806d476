package nodes

import (
	"context"
	"fmt"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	dispatchx "github.com/clearhaul/clearhaul/agent/dispatch"
	policyx "github.com/clearhaul/clearhaul/agent/policy"
)

// DispatchAction parses the model's raw output and runs the dispatcher.
func DispatchAction(ctx context.Context, st *GraphState, d *dispatchx.Dispatcher) (*GraphState, error) {
	if st == nil || st.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if st.Replay || st.CancelRequested || st.AgentDown || st.Decision != policyx.AllowFullReply {
		return st, nil
	}

	st.Parsed = dispatchx.ParseReply(st.RawReply)

	result, err := d.Dispatch(ctx, st.Session, st.Parsed)
	if err != nil {
		return nil, err
	}
	st.Result = result
	st.Reply = result.Reply
	return st, nil
}
