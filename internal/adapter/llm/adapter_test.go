package llm

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

	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

func testConfig(openaiURL, anthropicURL string) config.Config {
	return config.Config{
		AppEnv:           "test",
		OpenAIAPIKey:     "sk-test",
		OpenAIBaseURL:    openaiURL,
		AnthropicAPIKey:  "ak-test",
		AnthropicBaseURL: anthropicURL,
		DefaultModel:     "gpt-4o-mini",
		LLMTimeout:       2 * time.Second,
		LLMMaxRetries:    3,
	}
}

func userReq(model, text string) *domain.LLMRequest {
	return &domain.LLMRequest{
		Model:    model,
		Messages: []domain.Message{{Role: "user", Content: text}},
	}
}

func TestComplete_OpenAIParsesContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "Hi"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 50, "completion_tokens": 20, "total_tokens": 70},
		})
	}))
	defer srv.Close()

	a := New(testConfig(srv.URL, ""))
	resp, err := a.Complete(context.Background(), userReq("gpt-4o-mini", "Say hello"))
	require.NoError(t, err)
	assert.Equal(t, "Hi", resp.Content)
	assert.Equal(t, 70, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Empty(t, resp.ToolCalls)
	assert.InDelta(t, Cost("gpt-4o-mini", 50, 20), resp.Cost, 1e-9)
}

func TestComplete_OpenAIDecodesToolCallArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "Let me search.",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "web_search",
							"arguments": `{"query":"x"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	a := New(testConfig(srv.URL, ""))
	resp, err := a.Complete(context.Background(), userReq("gpt-4o-mini", "find x"))
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, "x", resp.ToolCalls[0].Function.Arguments["query"])
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestComplete_AnthropicParsesBlocksAndStopReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "be brief", body["system"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "Using the tool."},
				{"type": "tool_use", "id": "tu_1", "name": "calculate", "input": map[string]any{"expression": "1+1"}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]int{"input_tokens": 30, "output_tokens": 12},
		})
	}))
	defer srv.Close()

	a := New(testConfig("", srv.URL))
	req := &domain.LLMRequest{
		Model: "claude-3-5-haiku",
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "compute"},
		},
	}
	resp, err := a.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Using the tool.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calculate", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, "tool_use", resp.FinishReason)
	assert.Equal(t, 42, resp.Usage.TotalTokens)
}

func TestComplete_RetriesOn500(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	a := New(testConfig(srv.URL, ""))
	resp, err := a.Complete(context.Background(), userReq("gpt-4o-mini", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int64(3), calls.Load())
}

func TestComplete_NoRetryOn400(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := New(testConfig(srv.URL, ""))
	_, err := a.Complete(context.Background(), userReq("gpt-4o-mini", "hi"))
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestComplete_MissingKeyIsInvalidArgument(t *testing.T) {
	cfg := testConfig("http://unused", "")
	cfg.OpenAIAPIKey = ""
	a := New(cfg)
	_, err := a.Complete(context.Background(), userReq("gpt-4o-mini", "hi"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCost_UnknownModelBilledAtPremiumTier(t *testing.T) {
	premium := Cost("claude-3-opus", 1000, 1000)
	unknown := Cost("totally-new-model", 1000, 1000)
	assert.Equal(t, premium, unknown)
}

func TestCost_LongestPrefixWins(t *testing.T) {
	// gpt-4o-mini must not be billed at the gpt-4o tier.
	mini := Cost("gpt-4o-mini-2024", 1000, 1000)
	assert.InDelta(t, 0.00015+0.0006, mini, 1e-9)
}

func TestProviderFor(t *testing.T) {
	assert.Equal(t, providerAnthropic, providerFor("claude-3-5-sonnet"))
	assert.Equal(t, providerOpenAI, providerFor("gpt-4o"))
	assert.Equal(t, providerOpenAI, providerFor("o1-mini"))
}
