package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/config"
)

// AnthropicResponder answers turns with the Anthropic Messages API.
type AnthropicResponder struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

// NewAnthropicResponder creates an Anthropic-backed responder.
func NewAnthropicResponder(cfg config.LLMConfig) (*AnthropicResponder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicResponder{
		client:      anthropic.NewClient(options...),
		model:       model,
		maxTokens:   maxTokens(cfg.MaxTokens),
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}, nil
}

// Respond implements Responder.
func (r *AnthropicResponder) Respond(ctx context.Context, req Request) (Reply, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(r.model),
		Messages:    anthropicMessages(req),
		MaxTokens:   int64(r.maxTokens),
		Temperature: anthropic.Float(r.temperature),
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return Reply{}, err
		}
		params.Tools = tools
	}

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("anthropic: messages request failed: %w", err)
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "tool_use":
			toolUse := block.AsToolUse()
			return Reply{ToolCall: &ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: toolUse.Input,
			}}, nil
		case "text":
			text.WriteString(block.AsText().Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return Reply{}, ErrEmptyResponse
	}
	return Reply{Text: out}, nil
}

type turn struct {
	role  Role
	parts []string
}

// anthropicMessages flattens history into alternating user/assistant text
// turns. Tool activity from earlier stages is rendered as text because the
// tools offered change from stage to stage.
func anthropicMessages(req Request) []anthropic.MessageParam {
	var turns []turn
	add := func(role Role, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].parts = append(turns[n-1].parts, text)
			return
		}
		turns = append(turns, turn{role: role, parts: []string{text}})
	}

	for _, msg := range req.History {
		switch msg.Role {
		case RoleUser:
			add(RoleUser, msg.Content)
		case RoleAssistant:
			add(RoleAssistant, msg.Content)
			if msg.ToolCall != nil {
				add(RoleAssistant, fmt.Sprintf("(called %s with %s)", msg.ToolCall.Name, argsText(msg.ToolCall.Arguments)))
			}
		case RoleTool:
			add(RoleUser, fmt.Sprintf("(%s result: %s)", msg.ToolName, msg.Content))
		}
	}
	if req.Directive != "" {
		add(RoleUser, "Instruction: "+req.Directive)
	}

	if len(turns) == 0 || turns[0].role != RoleUser {
		turns = append([]turn{{role: RoleUser, parts: []string{"(the call has connected)"}}}, turns...)
	}
	if turns[len(turns)-1].role != RoleUser {
		turns = append(turns, turn{role: RoleUser, parts: []string{"(continue)"}})
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.parts, "\n"))
		if t.role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return messages
}

func argsText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func anthropicTools(tools []callflow.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
