package contract

import "context"

// ConversationAgent is the non-deterministic collaborator producing one turn
// of raw output: SMS text, optionally carrying one ACTION line. Parsing and
// validation belong to the dispatcher, not the agent.
type ConversationAgent interface {
	Reply(ctx context.Context, req AgentRequest) (string, error)
}

// Notifier hands a transition snapshot to the external notification
// collaborator. Delivery guarantees beyond the dedupe key are its concern.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent) error
}

// SMSSender is the outbound messaging transport.
type SMSSender interface {
	Send(ctx context.Context, to, body string) (string, error)
}
