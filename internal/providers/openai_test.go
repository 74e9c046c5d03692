package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencykit/agentd/internal/messages"
)

func completionJSON(content string) string {
	return `{
		"model": "test-model",
		"choices": [{"message": {"content": ` + mustQuote(content) + `}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4}
	}`
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestInvokeWireFormat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(completionJSON("ok")))
	}))
	defer srv.Close()

	p := NewChatCompletions("test", "key", srv.URL, "test-model")
	temp := 0.5
	resp, err := p.Invoke(context.Background(), Request{
		SystemPrompt: "You are helpful.",
		Messages: []messages.Message{
			{Role: messages.RoleUser, Parts: []messages.Part{messages.TextPart("hi")}},
			{Role: messages.RoleAssistant, Parts: []messages.Part{
				messages.ToolCallPart(messages.ToolCall{ID: "c1", Name: "add", Arguments: map[string]any{"a": float64(1)}}),
			}},
			{Role: messages.RoleTool, Parts: []messages.Part{
				messages.ToolResponsePart("c1", json.RawMessage(`"2"`)),
			}},
		},
		Tools:       []ToolDefinition{{Name: "add", Description: "adds"}},
		Temperature: &temp,
		MaxTokens:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Text())
	assert.Equal(t, 12, resp.Usage.InputTokens)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 4)

	system := msgs[0].(map[string]any)
	assert.Equal(t, "system", system["role"])

	// Assistant tool calls use the {id, type, function{name, arguments string}} shape.
	assistant := msgs[2].(map[string]any)
	_, hasContent := assistant["content"]
	assert.False(t, hasContent, "empty content omitted when tool_calls present")
	calls := assistant["tool_calls"].([]any)
	call := calls[0].(map[string]any)
	assert.Equal(t, "function", call["type"])
	fn := call["function"].(map[string]any)
	assert.Equal(t, "add", fn["name"])
	assert.IsType(t, "", fn["arguments"], "arguments must be a JSON string")

	// Tool responses carry tool_call_id and a string body.
	toolMsg := msgs[3].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "c1", toolMsg["tool_call_id"])
	assert.IsType(t, "", toolMsg["content"])

	// Tools with no parameters get an open object schema.
	tools := captured["tools"].([]any)
	toolFn := tools[0].(map[string]any)["function"].(map[string]any)
	params := toolFn["parameters"].(map[string]any)
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, "auto", captured["tool_choice"])
	assert.Equal(t, 0.5, captured["temperature"])
	assert.Equal(t, float64(100), captured["max_tokens"])
}

func TestInvokeParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"choices": [{"message": {"content": "", "tool_calls": [
				{"id": "c9", "function": {"name": " search ", "arguments": "{\"q\":\"go\"}"}}
			]}, "finish_reason": "tool_calls"}]
		}`))
	}))
	defer srv.Close()

	p := NewChatCompletions("test", "key", srv.URL, "m")
	resp, err := p.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	calls := resp.Message.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name, "names are trimmed")
	assert.Equal(t, "go", calls[0].Arguments["q"])
}

func TestRetryOnTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionJSON("after retries")))
	}))
	defer srv.Close()

	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 3
	cfg.BaseBackoff = time.Millisecond
	cfg.JitterRatio = 0

	p := NewChatCompletions("test", "key", srv.URL, "m", WithRetryConfig(cfg))
	resp, err := p.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "after retries", resp.Message.Text())
	assert.Equal(t, int32(3), hits.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	cfg := DefaultRetryConfig()
	cfg.BaseBackoff = time.Millisecond

	p := NewChatCompletions("test", "key", srv.URL, "m", WithRetryConfig(cfg))
	_, err := p.Invoke(context.Background(), Request{})
	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 400, httpErr.Status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetryAfterHeaderWins(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.BaseBackoff = time.Second

	err := &HTTPError{Status: 429, RetryAfter: 5 * time.Millisecond}
	assert.Equal(t, 5*time.Millisecond, cfg.Backoff(0, err))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	err := &HTTPError{Status: 503}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0, err))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1, err))
	assert.Equal(t, 300*time.Millisecond, cfg.Backoff(2, err))
	assert.Equal(t, 300*time.Millisecond, cfg.Backoff(10, err))
}

func TestCancellationBeatsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 10
	cfg.BaseBackoff = time.Hour

	p := NewChatCompletions("test", "key", srv.URL, "m", WithRetryConfig(cfg))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Invoke(ctx, Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("garbage"))

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 8*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)

	past := time.Now().Add(-10 * time.Second).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), ParseRetryAfter(past))
}

func TestToolChoiceByName(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(completionJSON("x")))
	}))
	defer srv.Close()

	p := NewChatCompletions("test", "key", srv.URL, "m")
	_, err := p.Invoke(context.Background(), Request{
		Tools:      []ToolDefinition{{Name: "search"}},
		ToolChoice: "search",
	})
	require.NoError(t, err)

	choice := captured["tool_choice"].(map[string]any)
	assert.Equal(t, "function", choice["type"])
	assert.Equal(t, "search", choice["function"].(map[string]any)["name"])
}
