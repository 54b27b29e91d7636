package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// OpenAI-compatible chat completions. The wire shapes here are also spoken
// by most OpenAI-compatible gateways, so this path covers every non-Claude
// model family.

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) completeOpenAI(ctx context.Context, model string, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	if a.cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("op=llm.completeOpenAI: OPENAI_API_KEY missing: %w", domain.ErrInvalidArgument)
	}

	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if m.Role == "tool" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Function.Name,
						"arguments": string(args),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		msgs = append(msgs, entry)
	}

	body := map[string]any{
		"model":       model,
		"messages":    msgs,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	raw, _ := json.Marshal(body)
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.OpenAIBaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("op=llm.completeOpenAI: %w", err)
	}
	hr.Header.Set("Authorization", "Bearer "+a.cfg.OpenAIAPIKey)
	hr.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(hr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{
			status:     resp.StatusCode,
			body:       snippet(data, 256),
			retryAfter: parseRetryAfter(resp.Header),
		}
	}

	var out oaResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("op=llm.completeOpenAI: decode: %w: %v", domain.ErrProvider, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("op=llm.completeOpenAI: no choices: %w", domain.ErrProvider)
	}

	choice := out.Choices[0]
	res := &domain.LLMResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		res.ToolCalls = append(res.ToolCalls, domain.ToolCall{
			ID:       tc.ID,
			Function: domain.FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return res, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
