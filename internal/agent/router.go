package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/llm"
	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/observability"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// RoutingConfig configures the FrugalGPT cascade: models ordered cheapest
// to most expensive, an acceptance threshold, and an escalation budget.
type RoutingConfig struct {
	Enabled             bool
	Cascade             []string
	ConfidenceThreshold float64
	MaxEscalations      int
}

// RouteResult describes one cascade routing decision.
type RouteResult struct {
	Response    *domain.LLMResponse
	ModelUsed   string
	ModelsTried []string
	TotalCost   float64
	CostSaved   float64
	Confidence  float64
}

// Router tries cheaper models first and escalates when the confidence
// heuristic rejects a response.
type Router struct {
	llm domain.LLMClient
	cfg RoutingConfig
}

// NewRouter constructs a Router.
func NewRouter(client domain.LLMClient, cfg RoutingConfig) *Router {
	return &Router{llm: client, cfg: cfg}
}

// Enabled reports whether cascade routing is active.
func (r *Router) Enabled() bool { return r.cfg.Enabled && len(r.cfg.Cascade) > 0 }

// Complete runs the cascade. The request's model field is overridden per
// attempt; the accepted response is returned together with aggregate cost
// and the savings against the premium baseline (the cascade's last model
// priced at the accepted response's token counts).
func (r *Router) Complete(ctx context.Context, req *domain.LLMRequest) (*RouteResult, error) {
	if len(r.cfg.Cascade) == 0 {
		return nil, fmt.Errorf("op=router.Complete: empty cascade: %w", domain.ErrInvalidArgument)
	}
	models := r.cfg.Cascade
	if limit := r.cfg.MaxEscalations + 1; len(models) > limit {
		models = models[:limit]
	}
	premiumModel := r.cfg.Cascade[len(r.cfg.Cascade)-1]

	result := &RouteResult{}
	toolsOffered := len(req.Tools) > 0

	for i, model := range models {
		attempt := *req
		attempt.Model = model

		resp, err := r.llm.Complete(ctx, &attempt)
		result.ModelsTried = append(result.ModelsTried, model)
		if err != nil {
			if i == len(models)-1 {
				return nil, fmt.Errorf("op=router.Complete: cascade exhausted at %s: %w", model, err)
			}
			slog.Warn("cascade model failed, escalating",
				slog.String("model", model), slog.Any("error", err))
			continue
		}
		result.TotalCost += resp.Cost

		conf := responseConfidence(resp, toolsOffered)
		if conf >= r.cfg.ConfidenceThreshold || i == len(models)-1 {
			result.Response = resp
			result.ModelUsed = model
			result.Confidence = conf

			premium := llm.Cost(premiumModel, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			if saved := premium - result.TotalCost; saved > 0 {
				result.CostSaved = saved
			}

			if i > 0 {
				observability.CascadeEscalationsTotal.Add(float64(i))
			}
			observability.CascadeCostSavedDollars.Add(result.CostSaved)
			slog.Debug("cascade accepted response",
				slog.String("model", model),
				slog.Float64("confidence", conf),
				slog.Float64("cost_saved", result.CostSaved))
			return result, nil
		}
		slog.Debug("cascade confidence below threshold, escalating",
			slog.String("model", model),
			slog.Float64("confidence", conf),
			slog.Float64("threshold", r.cfg.ConfidenceThreshold))
	}
	// Unreachable: the last model always accepts or errors.
	return nil, fmt.Errorf("op=router.Complete: no model accepted: %w", domain.ErrInternal)
}

var hedgingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i'?m not sure`),
	regexp.MustCompile(`(?i)\bmaybe\b`),
	regexp.MustCompile(`(?i)\bi think\b`),
	regexp.MustCompile(`(?i)\bpossibly\b`),
	regexp.MustCompile(`(?i)\bperhaps\b`),
	regexp.MustCompile(`(?i)\bit seems\b`),
	regexp.MustCompile(`(?i)\bi believe\b`),
	regexp.MustCompile(`(?i)not entirely clear`),
	regexp.MustCompile(`(?i)i'?m uncertain`),
}

var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi cannot\b`),
	regexp.MustCompile(`(?i)\bi can'?t\b`),
	regexp.MustCompile(`(?i)i'?m unable`),
	regexp.MustCompile(`(?i)unable to (assist|help|provide|complete)`),
	regexp.MustCompile(`(?i)i won'?t be able`),
	regexp.MustCompile(`(?i)i'?m sorry,? but i`),
}

// acceptedFinishReasons carry no penalty.
var acceptedFinishReasons = map[string]bool{
	"stop":       true,
	"end_turn":   true,
	"tool_calls": true,
	"tool_use":   true,
}

// responseConfidence estimates answer quality from surface signals.
// Multiplicative: each detected weakness scales the score down.
func responseConfidence(resp *domain.LLMResponse, toolsOffered bool) float64 {
	conf := 1.0
	content := strings.TrimSpace(resp.Content)

	switch n := len(content); {
	case n == 0:
		if resp.HasToolCalls() {
			conf *= 0.95
		} else {
			conf *= 0.15
		}
	case n < 10:
		conf *= 0.40
	case n < 30:
		conf *= 0.60
	case n < 100:
		conf *= 0.85
	}

	switch hedges := countPatternHits(hedgingPatterns, content); {
	case hedges >= 3:
		conf *= 0.35
	case hedges == 2:
		conf *= 0.55
	case hedges == 1:
		conf *= 0.75
	}

	switch refusals := countPatternHits(refusalPatterns, content); {
	case refusals >= 2:
		conf *= 0.15
	case refusals == 1:
		conf *= 0.35
	}

	if toolsOffered && !resp.HasToolCalls() {
		conf *= 0.75
	}

	if !acceptedFinishReasons[resp.FinishReason] {
		if resp.FinishReason == "length" {
			conf *= 0.65
		} else {
			conf *= 0.80
		}
	}

	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func countPatternHits(patterns []*regexp.Regexp, content string) int {
	hits := 0
	for _, p := range patterns {
		if p.MatchString(content) {
			hits++
		}
	}
	return hits
}
