package nodes

import (
	"errors"
	"strings"
	"time"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	dispatchx "github.com/clearhaul/clearhaul/agent/dispatch"
	policyx "github.com/clearhaul/clearhaul/agent/policy"
	statex "github.com/clearhaul/clearhaul/agent/state"
)

var (
	ErrInvalidPhone   = errors.New("customer phone is empty")
	ErrInvalidMessage = errors.New("message id is empty")
)

type GraphInput struct {
	CustomerPhone string
	MessageID     string
	Text          string
}

type GraphOutput struct {
	Reply string
}

// GraphState is carried through the pipeline; each node fills in its part.
type GraphState struct {
	CustomerPhone string
	MessageID     string
	Text          string
	Now           time.Time

	Session     *statex.Session
	BaseVersion int64

	Decision        policyx.Decision
	CancelRequested bool
	// Replay marks a duplicate inbound message; the stored reply is returned
	// and every mutating node passes through.
	Replay bool
	// AgentDown marks a degraded turn (agent timeout or failure): the canned
	// reply goes out, status and data stay unchanged.
	AgentDown bool

	RawReply string
	Parsed   contractx.AgentReply
	Result   dispatchx.Result
	// Entered lists the statuses entered this turn, in firing order.
	Entered []statex.Status
	// ReleaseSlotID names a slot whose capacity is freed only after the
	// session write lands, never before.
	ReleaseSlotID string

	Reply string
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	phone := strings.TrimSpace(in.CustomerPhone)
	if phone == "" {
		return nil, ErrInvalidPhone
	}
	messageID := strings.TrimSpace(in.MessageID)
	if messageID == "" {
		return nil, ErrInvalidMessage
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = "(no text)"
	}

	return &GraphState{
		CustomerPhone: phone,
		MessageID:     messageID,
		Text:          text,
		Now:           nowFn().UTC(),
	}, nil
}
