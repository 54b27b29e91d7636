// Package agent implements the reasoning loop and its cost guards: the
// loop detector, the cost-per-insight tracker, and the FrugalGPT cascade
// router.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/observability"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
	"github.com/fairyhunter13/apex-agent-runtime/internal/tool"
)

// Status is the agent's execution state.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// defaultMaxIterations applies when a config does not set a cap.
const defaultMaxIterations = 10

// Agent drives one LLM-tool reasoning loop per Run call. The LLM client
// and tool registry are shared and borrowed; detectors and metrics are
// owned and reset on each run.
type Agent struct {
	cfg      domain.AgentConfig
	llm      domain.LLMClient
	registry *tool.Registry
	router   *Router
	detector *LoopDetector
	tracker  *CostTracker
	tracer   trace.Tracer

	mu      sync.Mutex
	status  Status
	metrics domain.AgentMetrics
}

// Option customizes Agent construction.
type Option func(*Agent)

// WithRouter wires a cascade router; when enabled, all LLM calls go
// through it.
func WithRouter(r *Router) Option { return func(a *Agent) { a.router = r } }

// WithLoopDetector overrides the default loop detector.
func WithLoopDetector(d *LoopDetector) Option { return func(a *Agent) { a.detector = d } }

// WithCostTracker overrides the default cost-per-insight tracker.
func WithCostTracker(t *CostTracker) Option { return func(a *Agent) { a.tracker = t } }

// New constructs an Agent from a config.
func New(cfg domain.AgentConfig, client domain.LLMClient, registry *tool.Registry, opts ...Option) *Agent {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = defaultMaxIterations
	}
	a := &Agent{
		cfg:      cfg,
		llm:      client,
		registry: registry,
		detector: NewLoopDetector(DefaultLoopDetectorConfig()),
		tracker:  NewCostTracker(DefaultCostTrackerConfig()),
		tracer:   otel.Tracer("apex.agent"),
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the agent's immutable configuration.
func (a *Agent) Config() domain.AgentConfig { return a.cfg }

// Status returns the current execution state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Metrics returns a snapshot of the last run's metrics.
func (a *Agent) Metrics() domain.AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Run executes one reasoning loop over the task input. It returns a
// TaskOutput for every terminal condition the loop itself produces
// (completion, loop detection, diminishing returns, iteration cap); only
// infrastructure failures surface as errors.
func (a *Agent) Run(ctx context.Context, input *domain.TaskInput) (out *domain.TaskOutput, err error) {
	a.setStatus(StatusBusy)
	a.mu.Lock()
	a.metrics = domain.AgentMetrics{StartTime: time.Now()}
	a.mu.Unlock()
	a.detector.Reset()
	a.tracker.Reset()

	defer func() {
		a.mu.Lock()
		a.metrics.EndTime = time.Now()
		a.mu.Unlock()
		if err != nil {
			a.setStatus(StatusError)
		} else {
			a.setStatus(StatusIdle)
		}
	}()

	messages := buildMessages(a.cfg.SystemPrompt, input)
	schemas := a.registry.SchemasFor(a.cfg.Tools)
	var prevOutputs []string

	for i := 0; i < a.cfg.MaxIterations; i++ {
		a.mu.Lock()
		a.metrics.Iterations = i + 1
		a.mu.Unlock()

		req := &domain.LLMRequest{
			Model:       a.cfg.Model,
			Messages:    messages,
			Tools:       schemas,
			Temperature: a.cfg.Temperature,
		}

		resp, iterationCost, cerr := a.complete(ctx, req)
		if cerr != nil {
			return nil, fmt.Errorf("op=agent.Run: iteration %d: %w", i, cerr)
		}

		a.mu.Lock()
		a.metrics.CostDollars += iterationCost
		a.metrics.TokensUsed += resp.Usage.TotalTokens
		a.mu.Unlock()

		if chk := a.detector.Check(resp.Content); chk.Detected {
			observability.LoopDetectionsTotal.WithLabelValues(string(chk.Type)).Inc()
			slog.Warn("loop detected, terminating agent",
				slog.String("agent", a.cfg.Name),
				slog.String("loop_type", string(chk.Type)),
				slog.Float64("confidence", chk.Confidence),
				slog.Int("iteration", i))
			return &domain.TaskOutput{
				Result: "Agent terminated: " + chk.Suggestion,
				Data: map[string]any{
					"error":      "loop_detected",
					"loop_type":  string(chk.Type),
					"confidence": chk.Confidence,
					"iteration":  i,
				},
			}, nil
		}

		novelty := outputNovelty(resp.Content, prevOutputs)
		prevOutputs = append(prevOutputs, resp.Content)
		a.tracker.Record(resp.Usage.TotalTokens, iterationCost, resp.HasToolCalls(), novelty)
		if stop, reason := a.tracker.ShouldTerminate(); stop {
			observability.DiminishingReturnsTotal.Inc()
			slog.Warn("diminishing returns, terminating agent",
				slog.String("agent", a.cfg.Name),
				slog.String("reason", reason),
				slog.Int("iteration", i))
			return &domain.TaskOutput{
				Result: "Agent terminated due to diminishing returns: " + reason,
				Data: map[string]any{
					"error":            "diminishing_returns",
					"reason":           reason,
					"iteration":        i,
					"efficiency_score": a.tracker.EfficiencyScore(),
				},
			}, nil
		}

		if !resp.HasToolCalls() {
			return &domain.TaskOutput{Result: resp.Content, Data: map[string]any{}}, nil
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			a.mu.Lock()
			a.metrics.ToolCalls++
			a.mu.Unlock()
			content := a.executeToolCall(ctx, tc)
			messages = append(messages, domain.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    content,
			})
		}
	}

	return &domain.TaskOutput{
		Result: "Max iterations reached without completing the task.",
		Data:   map[string]any{"error": "max_iterations_exceeded"},
	}, nil
}

// complete issues one LLM call, through the cascade router when wired.
// Returns the accepted response and the full cost of the iteration (which
// under the cascade may cover several model attempts).
func (a *Agent) complete(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, float64, error) {
	if a.router != nil && a.router.Enabled() {
		rr, err := a.router.Complete(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		return rr.Response, rr.TotalCost, nil
	}
	resp, err := a.llm.Complete(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	return resp, resp.Cost, nil
}

// executeToolCall runs one requested tool and renders its outcome as the
// tool-message content. Failures never abort the loop; they flow back to
// the model as "Error: ..." text.
func (a *Agent) executeToolCall(ctx context.Context, tc domain.ToolCall) string {
	name := tc.Function.Name
	ctx, span := a.tracer.Start(ctx, "tool."+name,
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	res := a.registry.Execute(ctx, name, tc.Function.Arguments)
	if !res.Success {
		span.SetAttributes(attribute.String("tool.error", res.Error))
		return "Error: " + res.Error
	}
	return res.Output
}

// buildMessages assembles the initial message list: an optional system
// message, then one user message carrying the context block and the
// instruction.
func buildMessages(systemPrompt string, input *domain.TaskInput) []domain.Message {
	var messages []domain.Message
	if systemPrompt != "" {
		messages = append(messages, domain.Message{Role: "system", Content: systemPrompt})
	}

	user := input.Instruction
	if len(input.Context) > 0 {
		keys := make([]string, 0, len(input.Context))
		for k := range input.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString("Context:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %v\n", k, input.Context[k])
		}
		sb.WriteString("\nTask: ")
		sb.WriteString(input.Instruction)
		user = sb.String()
	}
	messages = append(messages, domain.Message{Role: "user", Content: user})
	return messages
}
