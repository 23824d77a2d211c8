package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"novabot/internal/domain"
)

func fastRetries(t *testing.T) {
	t.Helper()
	prev := backoffUnit
	backoffUnit = time.Millisecond
	t.Cleanup(func() { backoffUnit = prev })
}

func TestClaude_ChatMapsToolUse(t *testing.T) {
	var got claudeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("expected anthropic-version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "Checking. "},
				{"type": "tool_use", "id": "tu_1", "name": "get_exchange_rate", "input": {"currency": "USD"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "sk-test", APIBase: srv.URL, Logger: testLogger()})
	resp, err := c.Chat(context.Background(), domain.ChatRequest{
		System:   "be brief",
		Messages: []domain.Message{{Role: "user", Content: "dollar rate?"}},
		Tools: []domain.ToolDefinition{{
			Name:        "get_exchange_rate",
			Description: "rates",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.System != "be brief" {
		t.Fatalf("expected system prompt forwarded, got %q", got.System)
	}
	if got.Model != claudeDefaultModel {
		t.Fatalf("expected default model, got %q", got.Model)
	}
	if got.MaxTokens != defaultMaxTokens {
		t.Fatalf("expected default max tokens, got %d", got.MaxTokens)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "get_exchange_rate" {
		t.Fatalf("expected one tool, got %+v", got.Tools)
	}

	if resp.Content != "Checking. " {
		t.Fatalf("expected text content, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "tu_1" {
		t.Fatalf("expected one tool call, got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["currency"] != "USD" {
		t.Fatalf("expected currency argument, got %v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.PromptTokens != 120 || resp.Usage.CompletionTokens != 30 || resp.Usage.TotalTokens != 150 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestClaude_MissingCredentials(t *testing.T) {
	c := NewClaude(ClaudeConfig{Logger: testLogger()})
	if c.Configured() {
		t.Fatal("expected provider without key to be unconfigured")
	}
	_, err := c.Chat(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestClaude_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	_, err := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.StatusCode != http.StatusBadRequest || perr.Message != "max_tokens too large" {
		t.Fatalf("unexpected error: %+v", perr)
	}
	if perr.Retryable() {
		t.Fatal("expected 400 not to be retryable")
	}
}

func TestClaude_RetriesServerErrors(t *testing.T) {
	fastRetries(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "k", APIBase: srv.URL, MaxRetries: 2, Logger: testLogger()})
	resp, err := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected 'ok', got %q", resp.Content)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestClaude_RetriesExhausted(t *testing.T) {
	fastRetries(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewClaude(ClaudeConfig{APIKey: "k", APIBase: srv.URL, MaxRetries: 1, Logger: testLogger()})
	_, err := c.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}})

	var perr *Error
	if !errors.As(err, &perr) || !perr.Retryable() {
		t.Fatalf("expected retryable *Error, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestClaudeMessages_ToolRound(t *testing.T) {
	msgs := []domain.Message{
		{Role: "user", Content: "sales and rates"},
		{Role: "assistant", ToolCalls: []domain.ToolCall{
			{ID: "a", Name: "get_sales_data"},
			{ID: "b", Name: "get_exchange_rate", Arguments: map[string]any{"currency": "EUR"}},
		}},
		{Role: "user", ToolResults: []domain.ToolResult{
			{CallID: "a", Name: "get_sales_data", Content: `{"total":10}`},
			{CallID: "b", Name: "get_exchange_rate", Content: `{"error":"no rate"}`, IsError: true},
		}},
	}

	out := claudeMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}

	calls := out[1].Content
	if len(calls) != 2 || calls[0].Type != "tool_use" {
		t.Fatalf("expected two tool_use blocks, got %+v", calls)
	}
	if input, ok := calls[0].Input.(map[string]any); !ok || input == nil {
		t.Fatalf("expected empty object input for nil arguments, got %#v", calls[0].Input)
	}

	results := out[2].Content
	if len(results) != 2 {
		t.Fatalf("expected both results in one message, got %d blocks", len(results))
	}
	if results[0].ToolUseID != "a" || results[0].IsError {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if results[1].ToolUseID != "b" || !results[1].IsError {
		t.Fatalf("expected second result flagged as error, got %+v", results[1])
	}
}
