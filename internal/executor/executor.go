// Package executor pulls tasks off the bus and runs them on agents,
// bounded by a concurrency budget.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/apex-agent-runtime/internal/adapter/observability"
	"github.com/fairyhunter13/apex-agent-runtime/internal/agent"
	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
	"github.com/fairyhunter13/apex-agent-runtime/internal/tool"
)

// DefaultAgentName is the agent used for tasks that carry no inline
// agent config and name no registered agent.
const DefaultAgentName = "default"

// Executor owns the pull-execute-report cycle. Registered agents act as
// prototypes: each task run gets a fresh Agent built from the prototype's
// config, so concurrent tasks never share loop-detector state.
type Executor struct {
	cfg      config.Config
	queue    domain.TaskQueue
	notifier domain.Notifier
	llm      domain.LLMClient
	registry *tool.Registry
	router   *agent.Router
	tracer   trace.Tracer

	mu          sync.Mutex
	agents      map[string]*agent.Agent
	initialized bool
	baseCtx     context.Context
	cancel      context.CancelFunc

	slots chan struct{}
	wg    sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
}

// New constructs an Executor. Call Initialize before use.
func New(cfg config.Config, queue domain.TaskQueue, notifier domain.Notifier, llm domain.LLMClient, registry *tool.Registry, router *agent.Router) *Executor {
	return &Executor{
		cfg:      cfg,
		queue:    queue,
		notifier: notifier,
		llm:      llm,
		registry: registry,
		router:   router,
		tracer:   otel.Tracer("apex.executor"),
		agents:   make(map[string]*agent.Agent),
	}
}

// Initialize prepares the concurrency budget and registers the default
// agent. Idempotent; later calls are no-ops.
func (e *Executor) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.slots = make(chan struct{}, e.cfg.NumAgents)

	if _, ok := e.agents[DefaultAgentName]; !ok {
		def := domain.AgentConfig{
			Name:         DefaultAgentName,
			Model:        e.cfg.DefaultModel,
			SystemPrompt: "You are a capable assistant that completes tasks using the tools available to you.",
			Tools:        e.registry.Names(),
		}
		e.agents[DefaultAgentName] = e.newAgent(def)
	}
	e.initialized = true
	slog.Info("executor initialized",
		slog.Int("num_agents", e.cfg.NumAgents),
		slog.Int("registered_agents", len(e.agents)))
	return nil
}

// RegisterAgent adds a named agent prototype. Registering an existing
// name replaces it.
func (e *Executor) RegisterAgent(cfg domain.AgentConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("op=executor.RegisterAgent: empty agent name: %w", domain.ErrInvalidArgument)
	}
	if cfg.Model == "" {
		cfg.Model = e.cfg.DefaultModel
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[cfg.Name] = e.newAgent(cfg)
	return nil
}

// GetAgent returns the named agent prototype.
func (e *Executor) GetAgent(name string) (*agent.Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[name]
	if !ok {
		return nil, fmt.Errorf("op=executor.GetAgent: agent %q: %w", name, domain.ErrNotFound)
	}
	return a, nil
}

// AgentNames lists registered agent names.
func (e *Executor) AgentNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.agents))
	for n := range e.agents {
		names = append(names, n)
	}
	return names
}

func (e *Executor) newAgent(cfg domain.AgentConfig) *agent.Agent {
	opts := []agent.Option{}
	if e.router != nil {
		opts = append(opts, agent.WithRouter(e.router))
	}
	return agent.New(cfg, e.llm, e.registry, opts...)
}

// PullAndExecute waits for a free concurrency slot, pulls one task, and
// runs it asynchronously. An empty poll returns nil without consuming the
// slot.
func (e *Executor) PullAndExecute(ctx context.Context) error {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	task, err := e.queue.Pull(ctx, e.cfg.PollInterval)
	if err != nil {
		<-e.slots
		return fmt.Errorf("op=executor.PullAndExecute: %w", err)
	}
	if task == nil {
		<-e.slots
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.slots }()
		e.ExecuteTask(e.baseCtx, task)
	}()
	return nil
}

// ExecuteTask runs one task to a terminal state and reports the result.
// Retryable failures are pushed back to the queue instead of producing a
// result.
func (e *Executor) ExecuteTask(ctx context.Context, task *domain.Task) {
	runID := ulid.Make().String()
	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.run_id", runID),
		attribute.String("task.name", task.Name),
		attribute.Int("task.retry_count", task.RetryCount),
	))
	defer span.End()

	observability.ActiveTasks.Inc()
	defer observability.ActiveTasks.Dec()

	a := e.agentForTask(task)
	start := time.Now()

	if err := e.notifier.NotifyStarted(ctx, task.ID, a.Config().Name); err != nil {
		slog.Warn("start notification failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}

	out, err := e.runWithTimeout(ctx, a, task)
	elapsed := time.Since(start)
	metrics := a.Metrics()

	if err != nil {
		span.SetAttributes(attribute.String("task.error", err.Error()))
		e.handleFailure(ctx, task, err, metrics, elapsed)
		return
	}

	e.processed.Add(1)
	observability.TasksProcessedTotal.WithLabelValues("completed").Inc()
	observability.TaskDuration.Observe(elapsed.Seconds())
	result := &domain.TaskResult{
		TaskID:      task.ID,
		Status:      domain.TaskCompleted,
		Result:      out.Result,
		Data:        out.Data,
		TokensUsed:  metrics.TokensUsed,
		CostDollars: metrics.CostDollars,
		DurationMS:  elapsed.Milliseconds(),
		TraceID:     task.TraceID,
		SpanID:      task.SpanID,
	}
	slog.Info("task completed",
		slog.String("task_id", task.ID),
		slog.String("run_id", runID),
		slog.String("agent", a.Config().Name),
		slog.Int("iterations", metrics.Iterations),
		slog.Int("tokens", metrics.TokensUsed),
		slog.Float64("cost", metrics.CostDollars),
		slog.Duration("duration", elapsed))
	e.ReportResult(ctx, result)
}

// agentForTask resolves which agent runs the task: an inline config wins,
// then a named agent from parameters, then the default.
func (e *Executor) agentForTask(task *domain.Task) *agent.Agent {
	if task.AgentConfig != nil {
		cfg := *task.AgentConfig
		if cfg.Name == "" {
			cfg.Name = "task-" + task.ID
		}
		if cfg.Model == "" {
			cfg.Model = e.cfg.DefaultModel
		}
		if len(cfg.Tools) == 0 {
			cfg.Tools = e.registry.Names()
		}
		return e.newAgent(cfg)
	}

	name := DefaultAgentName
	if v, ok := task.Parameters["agent"].(string); ok && v != "" {
		name = v
	}
	e.mu.Lock()
	proto, ok := e.agents[name]
	if !ok {
		proto = e.agents[DefaultAgentName]
	}
	e.mu.Unlock()
	// Fresh instance per run; prototypes only carry configuration.
	return e.newAgent(proto.Config())
}

// runWithTimeout bounds one agent run by the task duration budget. On
// expiry the in-flight run is abandoned; its goroutine finishes against a
// cancelled context and its output is discarded.
func (e *Executor) runWithTimeout(ctx context.Context, a *agent.Agent, task *domain.Task) (*domain.TaskOutput, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxTaskDuration)
	defer cancel()

	type runResult struct {
		out *domain.TaskOutput
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		out, err := a.Run(runCtx, &domain.TaskInput{
			Instruction: task.Instruction,
			Context:     task.Context,
			Parameters:  task.Parameters,
		})
		done <- runResult{out, err}
	}()

	select {
	case r := <-done:
		// A run that failed because the deadline expired is a timeout, not
		// an agent error.
		if r.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, e.timeoutError(task)
		}
		return r.out, r.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("op=executor.runWithTimeout: %w", ctx.Err())
		}
		return nil, e.timeoutError(task)
	}
}

func (e *Executor) timeoutError(task *domain.Task) error {
	return fmt.Errorf("op=executor.runWithTimeout: task %s timed out after %.0f seconds: %w",
		task.ID, e.cfg.MaxTaskDuration.Seconds(), domain.ErrTaskTimeout)
}

// handleFailure either re-enqueues the task for retry or reports a
// terminal failure.
func (e *Executor) handleFailure(ctx context.Context, task *domain.Task, runErr error, metrics domain.AgentMetrics, elapsed time.Duration) {
	if task.RetryCount < task.MaxRetries && domain.IsRetryable(runErr) {
		retry := *task
		retry.RetryCount++
		if err := e.queue.PushRetry(ctx, &retry); err != nil {
			slog.Error("retry push failed, task dropped to terminal failure",
				slog.String("task_id", task.ID), slog.Any("error", err))
		} else {
			observability.TasksRetriedTotal.Inc()
			slog.Warn("task failed, re-enqueued",
				slog.String("task_id", task.ID),
				slog.Int("retry_count", retry.RetryCount),
				slog.Int("max_retries", task.MaxRetries),
				slog.Any("error", runErr))
			return
		}
	}

	e.failed.Add(1)
	observability.TasksProcessedTotal.WithLabelValues("failed").Inc()
	slog.Error("task failed terminally",
		slog.String("task_id", task.ID),
		slog.Int("retry_count", task.RetryCount),
		slog.Any("error", runErr))
	e.ReportResult(ctx, &domain.TaskResult{
		TaskID:      task.ID,
		Status:      domain.TaskFailed,
		Error:       runErr.Error(),
		TokensUsed:  metrics.TokensUsed,
		CostDollars: metrics.CostDollars,
		DurationMS:  elapsed.Milliseconds(),
		TraceID:     task.TraceID,
		SpanID:      task.SpanID,
	})
}

// ReportResult delivers a terminal result to both sinks. Each delivery is
// best-effort; a failure in one does not block the other.
func (e *Executor) ReportResult(ctx context.Context, r *domain.TaskResult) {
	if err := e.queue.PushResult(ctx, r); err != nil {
		slog.Error("result push failed", slog.String("task_id", r.TaskID), slog.Any("error", err))
	}
	if err := e.notifier.NotifyCompleted(ctx, r); err != nil {
		slog.Warn("completion notification failed", slog.String("task_id", r.TaskID), slog.Any("error", err))
	}
}

// ActiveCount reports how many concurrency slots are in use.
func (e *Executor) ActiveCount() int { return len(e.slots) }

// TasksProcessed reports the number of tasks completed successfully.
func (e *Executor) TasksProcessed() int64 { return e.processed.Load() }

// TasksFailed reports the number of tasks that reached terminal failure.
func (e *Executor) TasksFailed() int64 { return e.failed.Load() }

// Shutdown cancels in-flight work and waits up to the graceful timeout
// for it to drain, then closes the queue.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = false
	cancel := e.cancel
	e.mu.Unlock()

	// Drain voluntarily first; in-flight tasks keep a live context so they
	// can finish and report. Cancellation is the timeout escape hatch.
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	var drainErr error
	select {
	case <-done:
	case <-time.After(e.cfg.GracefulShutdownTimeout):
		drainErr = fmt.Errorf("op=executor.Shutdown: drain timed out after %s", e.cfg.GracefulShutdownTimeout)
	case <-ctx.Done():
		drainErr = fmt.Errorf("op=executor.Shutdown: %w", ctx.Err())
	}
	cancel()

	if err := e.queue.Close(); err != nil {
		slog.Warn("queue close failed", slog.Any("error", err))
	}
	return drainErr
}
