// Package llm turns the conversation so far into the agent's next move: a
// spoken reply or a single transition tool call. Backends are OpenAI chat
// completions and the Anthropic Messages API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/config"
	"github.com/haasonsaas/paycall/internal/observability"
)

// Role identifies who produced a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a request from the model to run one transition tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one entry of the chat history shared across stages.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	// ToolCall is set on assistant messages that invoked a tool.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	// ToolCallID links a tool result to its call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// Request is one model turn.
type Request struct {
	// Instructions is the active stage's behavioral contract.
	Instructions string
	History      []Message
	// Directive is a one-off instruction for this turn, such as a stage's enter prompt.
	Directive string
	Tools     []callflow.Tool
}

// Reply is the model's move: text to speak, or a tool call.
type Reply struct {
	Text     string
	ToolCall *ToolCall
}

// Responder produces the next reply for a conversation.
type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// ErrEmptyResponse is returned when the backend produced neither text nor a tool call.
var ErrEmptyResponse = errors.New("llm: empty response")

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 30 * time.Second
)

// New builds the configured backend, instrumented with metrics and tracing.
func New(cfg config.LLMConfig, metrics *observability.Metrics, tracer *observability.Tracer) (Responder, error) {
	var (
		r   Responder
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		r, err = NewOpenAIResponder(cfg)
	case "anthropic":
		r, err = NewAnthropicResponder(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "openai"
	}
	return Observe(r, provider, cfg.Model, metrics, tracer), nil
}

// Observe wraps a responder with request metrics and a span per request.
func Observe(r Responder, provider, model string, metrics *observability.Metrics, tracer *observability.Tracer) Responder {
	return &observed{next: r, provider: provider, model: model, metrics: metrics, tracer: tracer}
}

type observed struct {
	next     Responder
	provider string
	model    string
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

func (o *observed) Respond(ctx context.Context, req Request) (Reply, error) {
	ctx, span := o.tracer.TraceLLMRequest(ctx, o.provider, o.model)
	defer span.End()

	start := time.Now()
	reply, err := o.next.Respond(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		o.tracer.RecordError(span, err)
	} else if reply.ToolCall != nil {
		status = "tool_call"
		o.tracer.SetAttributes(span, "llm.tool", reply.ToolCall.Name)
	}
	o.metrics.RecordLLMRequest(o.provider, status, time.Since(start).Seconds())
	return reply, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

func maxTokens(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}
