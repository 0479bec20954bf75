package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/config"
)

// OpenAIResponder answers turns with OpenAI chat completions and function tools.
type OpenAIResponder struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// NewOpenAIResponder creates an OpenAI-backed responder.
func NewOpenAIResponder(cfg config.LLMConfig) (*OpenAIResponder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIResponder{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   maxTokens(cfg.MaxTokens),
		temperature: float32(cfg.Temperature),
		timeout:     cfg.Timeout,
	}, nil
}

// Respond implements Responder.
func (r *OpenAIResponder) Respond(ctx context.Context, req Request) (Reply, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:       r.model,
		Messages:    openAIMessages(req),
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
		chatReq.ParallelToolCalls = false
	}

	resp, err := r.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Reply{}, fmt.Errorf("openai: chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, ErrEmptyResponse
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		id := tc.ID
		if id == "" {
			id = uuid.New().String()
		}
		return Reply{ToolCall: &ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		}}, nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return Reply{}, ErrEmptyResponse
	}
	return Reply{Text: text}, nil
}

// openAIMessages converts a request to chat messages. Tool calls and their
// results are kept as native tool messages.
func openAIMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}

	for _, msg := range req.History {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if msg.ToolCall != nil {
				args := string(msg.ToolCall.Arguments)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = []openai.ToolCall{{
					ID:   msg.ToolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      msg.ToolCall.Name,
						Arguments: args,
					},
				}}
			}
			messages = append(messages, oaiMsg)
		case RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	if req.Directive != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Directive,
		})
	}
	return messages
}

func openAITools(tools []callflow.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}
