// Package llm is the conversational-agent collaborator: one blocking chat
// completion per turn against an OpenRouter-compatible endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaimodel "github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
	promptx "github.com/clearhaul/clearhaul/agent/prompt"
)

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken *int          `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"256"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

func (c *Config) New(ctx context.Context) (einomodel.ToolCallingChatModel, error) {
	conf := &openaimodel.ChatModelConfig{
		BaseURL:     strings.TrimRight(c.BaseURL, "/"),
		APIKey:      strings.TrimSpace(c.APIKey),
		Model:       strings.TrimSpace(c.Model),
		MaxTokens:   c.MaxCompletionToken,
		Temperature: &c.Temperature,
		Timeout:     c.Timeout,
	}
	m, err := openaimodel.NewChatModel(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return m, nil
}

// Agent wraps the chat model behind the ConversationAgent contract.
type Agent struct {
	chat    einomodel.ToolCallingChatModel
	timeout time.Duration
}

func NewAgent(ctx context.Context, cfg Config) (*Agent, error) {
	chat, err := cfg.New(ctx)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Agent{chat: chat, timeout: timeout}, nil
}

// Reply runs one turn. The deadline is the degradation boundary: exceeding it
// maps to ErrExternalTimeout and the caller falls back to a canned reply.
func (a *Agent) Reply(ctx context.Context, req contractx.AgentRequest) (string, error) {
	msgs := buildMessages(req)

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.chat.Generate(cctx, msgs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: agent call exceeded %s", contractx.ErrExternalTimeout, a.timeout)
		}
		return "", fmt.Errorf("agent call failed: %w", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "Sorry, I didn't get that. What do you need removed?", nil
	}
	return strings.TrimSpace(out.Content), nil
}

func buildMessages(req contractx.AgentRequest) []*schema.Message {
	system := promptx.Assistant() + "\n\n" + statusHint(req.Status)

	msgs := make([]*schema.Message, 0, len(req.History)+1)
	msgs = append(msgs, schema.SystemMessage(system))
	for _, turn := range req.History {
		if turn.Speaker == contractx.SpeakerAssistant {
			msgs = append(msgs, schema.AssistantMessage(turn.Text, nil))
		} else {
			msgs = append(msgs, schema.UserMessage(turn.Text))
		}
	}
	return msgs
}

// statusHint narrows the action space the model should consider this turn;
// the dispatcher still enforces the permitted set regardless.
func statusHint(status string) string {
	switch status {
	case "INTAKE", "ITEMS_CONFIRMED", "NEGOTIATING":
		return "Current conversation stage: " + status + ". Allowed action now: GENERATE_QUOTE (or plain text, or ESCALATE)."
	case "QUOTED":
		return "Current conversation stage: QUOTED. Allowed actions now: GENERATE_QUOTE for a revision, BOOK_SLOT once accepted (or plain text, or ESCALATE)."
	case "SCHEDULING":
		return "Current conversation stage: SCHEDULING. Allowed action now: BOOK_SLOT (or plain text, or ESCALATE)."
	default:
		return "Current conversation stage: " + status + ". Reply with plain text (or ESCALATE)."
	}
}
