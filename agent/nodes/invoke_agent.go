package nodes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	policyx "github.com/clearhaul/clearhaul/agent/policy"
)

const degradedReply = "Thanks for the message — we'll get back to you shortly."

// InvokeAgent runs the conversational model for full-reply turns. Any agent
// failure degrades to the canned reply and leaves status and data untouched;
// the inbound message was already recorded.
func InvokeAgent(ctx context.Context, st *GraphState, agent contractx.ConversationAgent) (*GraphState, error) {
	if st == nil || st.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if st.Replay || st.CancelRequested || st.Decision != policyx.AllowFullReply {
		return st, nil
	}

	raw, err := agent.Reply(ctx, contractx.AgentRequest{
		Status:  string(st.Session.Status),
		History: st.Session.History,
	})
	if err != nil {
		log.Error().
			Str("session_id", st.Session.CustomerPhone).
			Str("status", string(st.Session.Status)).
			Err(err).
			Msg("agent call degraded to canned reply")
		st.AgentDown = true
		st.Reply = degradedReply
		return st, nil
	}

	st.RawReply = raw
	return st, nil
}
