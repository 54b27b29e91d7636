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

// Anthropic messages API. The single system message is lifted out of the
// message list; tool results travel as user-role tool_result blocks.

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens applies when the request does not set a cap;
// the messages API requires one.
const defaultAnthropicMaxTokens = 4096

type anthropicResponse struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) completeAnthropic(ctx context.Context, model string, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	if a.cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("op=llm.completeAnthropic: ANTHROPIC_API_KEY missing: %w", domain.ErrInvalidArgument)
	}

	var system string
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "tool":
			msgs = append(msgs, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case "assistant":
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, map[string]any{"role": "assistant", "content": m.Content})
				continue
			}
			blocks := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": tc.Function.Arguments,
				})
			}
			msgs = append(msgs, map[string]any{"role": "assistant", "content": blocks})
		default:
			msgs = append(msgs, map[string]any{"role": "user", "content": m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	body := map[string]any{
		"model":       model,
		"messages":    msgs,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}
	if system != "" {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}

	raw, _ := json.Marshal(body)
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AnthropicBaseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("op=llm.completeAnthropic: %w", err)
	}
	hr.Header.Set("x-api-key", a.cfg.AnthropicAPIKey)
	hr.Header.Set("anthropic-version", anthropicVersion)
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

	var out anthropicResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("op=llm.completeAnthropic: decode: %w: %v", domain.ErrProvider, err)
	}

	res := &domain.LLMResponse{
		FinishReason: normalizeStopReason(out.StopReason),
		Usage: domain.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			res.Content += block.Text
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			res.ToolCalls = append(res.ToolCalls, domain.ToolCall{
				ID:       block.ID,
				Function: domain.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}
	return res, nil
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "":
		return "stop"
	}
	return reason
}
