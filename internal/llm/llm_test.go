package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/config"
	"github.com/haasonsaas/paycall/internal/observability"
)

func testNow() time.Time { return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC) }

func testTools(t *testing.T) []callflow.Tool {
	t.Helper()
	m := callflow.NewMachine(callflow.NewCallState("+15551234567", testNow()))
	if _, err := m.Invoke("proceed_to_payment_inquiry", nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	return m.Tools()
}

func sampleHistory() []Message {
	return []Message{
		{Role: RoleAssistant, Content: "Hi, this is Emily."},
		{Role: RoleUser, Content: "I can pay 250 dollars"},
		{Role: RoleAssistant, ToolCall: &ToolCall{ID: "call_1", Name: "customer_wants_to_pay", Arguments: json.RawMessage(`{"payment_amount":"250"}`)}},
		{Role: RoleTool, ToolCallID: "call_1", ToolName: "customer_wants_to_pay", Content: "Great, let's process that."},
	}
}

func TestOpenAIResponder_ToolCall(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_9","type":"function","function":{"name":"customer_wants_to_pay","arguments":"{\"payment_amount\":\"300\"}"}}]}}]}`)
	}))
	defer srv.Close()

	r, err := NewOpenAIResponder(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewOpenAIResponder: %v", err)
	}
	reply, err := r.Respond(context.Background(), Request{
		Instructions: "You are Emily.",
		History:      sampleHistory(),
		Tools:        testTools(t),
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply.ToolCall == nil || reply.ToolCall.Name != "customer_wants_to_pay" || reply.ToolCall.ID != "call_9" {
		t.Fatalf("reply = %+v", reply)
	}
	if string(reply.ToolCall.Arguments) != `{"payment_amount":"300"}` {
		t.Fatalf("arguments = %s", reply.ToolCall.Arguments)
	}

	if got.Model != "gpt-4o-mini" || len(got.Tools) == 0 {
		t.Fatalf("request = %+v", got)
	}
	if got.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("first message role = %s", got.Messages[0].Role)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.Role != openai.ChatMessageRoleTool || last.ToolCallID != "call_1" {
		t.Fatalf("tool result message = %+v", last)
	}
}

func TestOpenAIResponder_Text(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Sure, I can help.  "}}]}`)
	}))
	defer srv.Close()

	r, _ := NewOpenAIResponder(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	reply, err := r.Respond(context.Background(), Request{Directive: "Greet the customer."})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply.Text != "Sure, I can help." || reply.ToolCall != nil {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestOpenAIResponder_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[]}`)
	}))
	defer srv.Close()

	r, _ := NewOpenAIResponder(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if _, err := r.Respond(context.Background(), Request{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestAnthropicResponder_ToolUse(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","stop_reason":"tool_use","content":[{"type":"text","text":"One moment."},{"type":"tool_use","id":"toolu_1","name":"customer_has_objection","input":{"objection":"too expensive"}}],"usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	r, err := NewAnthropicResponder(config.LLMConfig{APIKey: "sk-ant-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropicResponder: %v", err)
	}
	reply, err := r.Respond(context.Background(), Request{
		Instructions: "You are Emily.",
		History:      sampleHistory(),
		Tools:        testTools(t),
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply.ToolCall == nil || reply.ToolCall.Name != "customer_has_objection" {
		t.Fatalf("reply = %+v", reply)
	}
	var args map[string]string
	if err := json.Unmarshal(reply.ToolCall.Arguments, &args); err != nil || args["objection"] != "too expensive" {
		t.Fatalf("arguments = %s", reply.ToolCall.Arguments)
	}
	if _, ok := got["system"]; !ok {
		t.Fatal("system prompt not sent")
	}
	if tools, _ := got["tools"].([]any); len(tools) == 0 {
		t.Fatal("tools not sent")
	}
}

func TestAnthropicMessages_Alternate(t *testing.T) {
	msgs := anthropicMessages(Request{History: sampleHistory(), Directive: "Confirm the amount."})
	if len(msgs) == 0 {
		t.Fatal("no messages")
	}
	if msgs[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("first role = %s, want user", msgs[0].Role)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Role == msgs[i-1].Role {
			t.Fatalf("roles do not alternate at %d: %s", i, msgs[i].Role)
		}
	}
	if msgs[len(msgs)-1].Role != anthropic.MessageParamRoleUser {
		t.Fatal("last message must be from the user")
	}
}

func TestAnthropicMessages_EmptyHistory(t *testing.T) {
	msgs := anthropicMessages(Request{})
	if len(msgs) != 1 || msgs[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("messages = %+v", msgs)
	}
}

type stubResponder struct {
	reply Reply
	err   error
}

func (s stubResponder) Respond(context.Context, Request) (Reply, error) { return s.reply, s.err }

func TestObserve_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	ok := Observe(stubResponder{reply: Reply{ToolCall: &ToolCall{Name: "end_call"}}}, "openai", "m", metrics, nil)
	if _, err := ok.Respond(context.Background(), Request{}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	failing := Observe(stubResponder{err: errors.New("boom")}, "openai", "m", metrics, nil)
	if _, err := failing.Respond(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}

	if got := testutil.CollectAndCount(metrics.LLMRequestDuration); got != 2 {
		t.Fatalf("series = %d, want 2 (tool_call and error)", got)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(config.LLMConfig{Provider: "gemini", APIKey: "k"}, nil, nil); err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(config.LLMConfig{Provider: "anthropic"}, nil, nil); err == nil {
		t.Fatal("expected missing key error")
	}
}
