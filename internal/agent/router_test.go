package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// scriptedClient replays a fixed sequence of responses or errors and
// records every request it sees.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []scriptedStep
	requests []*domain.LLMRequest
}

type scriptedStep struct {
	resp *domain.LLMResponse
	err  error
}

func (c *scriptedClient) Complete(_ context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.steps) == 0 {
		return nil, errors.New("scripted client exhausted")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	resp := *step.resp
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

func (c *scriptedClient) models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.requests))
	for i, r := range c.requests {
		out[i] = r.Model
	}
	return out
}

func confidentResponse(cost float64) *domain.LLMResponse {
	return &domain.LLMResponse{
		Content:      strings.Repeat("The answer is forty-two. ", 5),
		Usage:        domain.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		Cost:         cost,
		FinishReason: "stop",
	}
}

func testCascade() RoutingConfig {
	return RoutingConfig{
		Enabled:             true,
		Cascade:             []string{"gpt-4o-mini", "gpt-4o", "claude-3-opus"},
		ConfidenceThreshold: 0.7,
		MaxEscalations:      2,
	}
}

func TestRouterAcceptsCheapestModel(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{steps: []scriptedStep{{resp: confidentResponse(0.0001)}}}
	r := NewRouter(client, testCascade())

	res, err := r.Complete(context.Background(), &domain.LLMRequest{Model: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", res.ModelUsed)
	assert.Equal(t, []string{"gpt-4o-mini"}, res.ModelsTried)
	assert.InDelta(t, 0.0001, res.TotalCost, 1e-9)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
}

func TestRouterEscalatesOnEmptyResponse(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{steps: []scriptedStep{
		{resp: &domain.LLMResponse{Content: "", FinishReason: "stop", Cost: 0.0001,
			Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 0, TotalTokens: 10}}},
		{resp: confidentResponse(0.002)},
	}}
	r := NewRouter(client, testCascade())

	res, err := r.Complete(context.Background(), &domain.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", res.ModelUsed)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, res.ModelsTried)
	assert.InDelta(t, 0.0021, res.TotalCost, 1e-9)
}

func TestRouterEscalatesOnRefusal(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{steps: []scriptedStep{
		{resp: &domain.LLMResponse{Content: "I cannot help with that.", FinishReason: "stop", Cost: 0.0001,
			Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 8, TotalTokens: 18}}},
		{resp: confidentResponse(0.002)},
	}}
	r := NewRouter(client, testCascade())

	res, err := r.Complete(context.Background(), &domain.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", res.ModelUsed)
	assert.Len(t, res.ModelsTried, 2)
}

func TestRouterLastModelAlwaysAccepted(t *testing.T) {
	t.Parallel()
	weak := func(cost float64) scriptedStep {
		return scriptedStep{resp: &domain.LLMResponse{Content: "", FinishReason: "stop", Cost: cost,
			Usage: domain.Usage{PromptTokens: 10, TotalTokens: 10}}}
	}
	client := &scriptedClient{steps: []scriptedStep{weak(0.0001), weak(0.001), weak(0.01)}}
	r := NewRouter(client, testCascade())

	res, err := r.Complete(context.Background(), &domain.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-opus", res.ModelUsed)
	assert.Less(t, res.Confidence, 0.7, "last model is accepted even below threshold")
	assert.InDelta(t, 0.0111, res.TotalCost, 1e-9)
}

func TestRouterSkipsFailedModel(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{steps: []scriptedStep{
		{err: errors.New("provider down")},
		{resp: confidentResponse(0.002)},
	}}
	r := NewRouter(client, testCascade())

	res, err := r.Complete(context.Background(), &domain.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", res.ModelUsed)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, client.models())
}

func TestRouterAllModelsFail(t *testing.T) {
	t.Parallel()
	client := &scriptedClient{steps: []scriptedStep{
		{err: errors.New("down")}, {err: errors.New("down")}, {err: errors.New("down")},
	}}
	r := NewRouter(client, testCascade())

	_, err := r.Complete(context.Background(), &domain.LLMRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cascade exhausted")
}

func TestRouterMaxEscalationsTruncatesCascade(t *testing.T) {
	t.Parallel()
	weak := scriptedStep{resp: &domain.LLMResponse{Content: "", FinishReason: "stop",
		Usage: domain.Usage{PromptTokens: 10, TotalTokens: 10}}}
	client := &scriptedClient{steps: []scriptedStep{weak, weak}}
	cfg := testCascade()
	cfg.MaxEscalations = 1

	res, err := NewRouter(client, cfg).Complete(context.Background(), &domain.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", res.ModelUsed, "cascade cut to max escalations + 1 models")
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, client.models())
}

func TestRouterCostSavedAgainstPremiumBaseline(t *testing.T) {
	t.Parallel()
	// Accepted at the cheapest tier with 1000/500 tokens. The premium
	// baseline is claude-3-opus at those counts: 1.0*0.015 + 0.5*0.075.
	resp := confidentResponse(0.000375)
	resp.Usage = domain.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500}
	client := &scriptedClient{steps: []scriptedStep{{resp: resp}}}

	res, err := NewRouter(client, testCascade()).Complete(context.Background(), &domain.LLMRequest{})
	require.NoError(t, err)
	premium := 0.015 + 0.5*0.075
	assert.InDelta(t, premium-0.000375, res.CostSaved, 1e-9)
}

func TestRouterCostSavedNeverNegative(t *testing.T) {
	t.Parallel()
	weak := func(cost float64) scriptedStep {
		return scriptedStep{resp: &domain.LLMResponse{Content: "", FinishReason: "stop", Cost: cost,
			Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}}
	}
	// Every tier rejected until the last; the attempts cost more than the
	// premium baseline would have.
	client := &scriptedClient{steps: []scriptedStep{weak(0.5), weak(0.5), weak(0.5)}}

	res, err := NewRouter(client, testCascade()).Complete(context.Background(), &domain.LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.CostSaved)
}

func TestRouterEnabled(t *testing.T) {
	t.Parallel()
	assert.True(t, NewRouter(nil, testCascade()).Enabled())
	assert.False(t, NewRouter(nil, RoutingConfig{Enabled: true}).Enabled())
	assert.False(t, NewRouter(nil, RoutingConfig{Cascade: []string{"gpt-4o"}}).Enabled())
}

func TestResponseConfidenceSignals(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		resp    *domain.LLMResponse
		tools   bool
		wantMin float64
		wantMax float64
	}{
		{
			name:    "empty no tool calls",
			resp:    &domain.LLMResponse{Content: "", FinishReason: "stop"},
			wantMin: 0.15, wantMax: 0.15,
		},
		{
			name: "empty with tool calls",
			resp: &domain.LLMResponse{FinishReason: "tool_calls",
				ToolCalls: []domain.ToolCall{{ID: "1"}}},
			wantMin: 0.95, wantMax: 0.95,
		},
		{
			name:    "heavy hedging",
			resp:    &domain.LLMResponse{Content: "I think maybe this is perhaps the right answer but it is genuinely hard to say anything for certain here at all", FinishReason: "stop"},
			wantMin: 0.34, wantMax: 0.36,
		},
		{
			name:    "length finish reason penalized",
			resp:    &domain.LLMResponse{Content: strings.Repeat("word ", 30), FinishReason: "length"},
			wantMin: 0.64, wantMax: 0.66,
		},
		{
			name:    "tools offered but unused",
			resp:    &domain.LLMResponse{Content: strings.Repeat("word ", 30), FinishReason: "stop"},
			tools:   true,
			wantMin: 0.74, wantMax: 0.76,
		},
		{
			name:    "confident long answer",
			resp:    &domain.LLMResponse{Content: strings.Repeat("word ", 30), FinishReason: "stop"},
			wantMin: 1.0, wantMax: 1.0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conf := responseConfidence(tc.resp, tc.tools)
			assert.GreaterOrEqual(t, conf, tc.wantMin)
			assert.LessOrEqual(t, conf, tc.wantMax)
		})
	}
}
