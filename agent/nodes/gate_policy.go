package nodes

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	policyx "github.com/clearhaul/clearhaul/agent/policy"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

const cancelConfirmReply = "You're all set — the pickup request is cancelled. Text us any time to start over."

// GatePolicy records the inbound turn, fires the first-message edge, handles
// explicit cancellation keywords, and decides the reply policy for this turn.
// A blocked message is still persisted; nothing is sent back for it.
func GatePolicy(st *GraphState, gate *policyx.Gate) (*GraphState, error) {
	if st == nil || st.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if st.Replay {
		return st, nil
	}

	sess := st.Session
	sess.AppendTurn(contractx.SpeakerCustomer, st.Text, st.Now)

	if sess.Status == statex.StatusNew {
		if _, err := statex.Apply(sess, statex.EventFirstMessage); err != nil {
			return nil, err
		}
		st.Entered = append(st.Entered, sess.Status)
	}

	// STOP/CANCEL compliance: cancellation never waits on the model.
	if isCancelKeyword(st.Text) && !sess.Status.Terminal() {
		st.CancelRequested = true
		st.Reply = cancelConfirmReply
		return st, nil
	}

	st.Decision = gate.Decide(sess, st.Now)
	switch st.Decision {
	case policyx.AllowThrottledReply:
		gate.MarkThrottled(sess, st.Now)
		st.Reply = policyx.QuietHoursMessage
	case policyx.Block:
		log.Info().
			Str("session_id", sess.CustomerPhone).
			Msg("inbound blocked by reply policy")
	}
	return st, nil
}

func isCancelKeyword(text string) bool {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "STOP", "CANCEL", "UNSUBSCRIBE":
		return true
	}
	return false
}
