// Package domain defines the core entities and ports of the agent runtime.
package domain

import (
	"context"
	"time"
)

// TaskStatus enumerates task lifecycle states as understood by the orchestrator.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of work pulled from the task stream.
// The runtime treats it as immutable except for RetryCount, which is
// incremented when the task is pushed back for retry.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Instruction string         `json:"instruction"`
	Context     map[string]any `json:"context,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Priority    int            `json:"priority"`
	MaxRetries  int            `json:"max_retries"`
	RetryCount  int            `json:"retry_count"`
	TraceID     string         `json:"trace_id,omitempty"`
	SpanID      string         `json:"span_id,omitempty"`
	AgentConfig *AgentConfig   `json:"agent_config,omitempty"`
}

// AgentConfig describes one agent: which model it talks to, its system
// prompt, which tools it may call, and its iteration budget.
// Immutable once attached to an Agent.
type AgentConfig struct {
	Name          string   `json:"name" yaml:"name"`
	Model         string   `json:"model" yaml:"model"`
	SystemPrompt  string   `json:"system_prompt" yaml:"system_prompt"`
	Tools         []string `json:"tools" yaml:"tools"`
	MaxIterations int      `json:"max_iterations" yaml:"max_iterations"`
	Temperature   float64  `json:"temperature" yaml:"temperature"`
}

// AgentMetrics accumulates per-execution usage. Reset on each run.
type AgentMetrics struct {
	TokensUsed  int       `json:"tokens_used"`
	CostDollars float64   `json:"cost_dollars"`
	Iterations  int       `json:"iterations"`
	ToolCalls   int       `json:"tool_calls"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// DurationMS returns the wall-clock duration of the run in milliseconds.
func (m AgentMetrics) DurationMS() int64 {
	if m.EndTime.Before(m.StartTime) {
		return 0
	}
	return m.EndTime.Sub(m.StartTime).Milliseconds()
}

// TaskInput is what an Agent receives for one run.
type TaskInput struct {
	Instruction string
	Context     map[string]any
	Parameters  map[string]any
}

// TaskOutput is the terminal output of one Agent run. Data carries
// structured termination details (loop detection, diminishing returns).
type TaskOutput struct {
	Result string         `json:"result"`
	Data   map[string]any `json:"data"`
}

// TaskResult is the record pushed to the result stream and posted to the
// orchestrator when a task reaches a terminal state.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	Status      TaskStatus     `json:"status"`
	Result      string         `json:"result,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	TokensUsed  int            `json:"tokens_used"`
	CostDollars float64        `json:"cost_dollars"`
	DurationMS  int64          `json:"duration_ms"`
	TraceID     string         `json:"trace_id,omitempty"`
	SpanID      string         `json:"span_id,omitempty"`
}

// Message is the neutral chat message shape used everywhere inside the
// runtime. Provider adapters translate to and from their native schemas at
// the boundary; responses are normalized back to this shape immediately.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage is token accounting for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolSchema is the provider-neutral tool declaration handed to the LLM.
type ToolSchema struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  ParameterSpec `json:"parameters"`
}

// ParameterSpec is a JSON-schema object describing tool arguments.
type ParameterSpec struct {
	Type       string                  `json:"type"`
	Properties map[string]PropertySpec `json:"properties"`
	Required   []string                `json:"required"`
}

// PropertySpec describes one tool argument.
type PropertySpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// LLMRequest is a provider-neutral completion request.
type LLMRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// LLMResponse is the neutral shape every provider response is parsed into.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model"`
	Cost         float64    `json:"cost"`
	FinishReason string     `json:"finish_reason"`
}

// HasToolCalls reports whether the model requested any tool invocations.
func (r *LLMResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Ports

// LLMClient issues one completion request. Implementations must be safe for
// concurrent use; the adapter is shared across Agents within a process.
type LLMClient interface {
	Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// TaskQueue is the runtime's view of the shared key-value task bus.
type TaskQueue interface {
	// Pull blocks up to timeout for the next task. Returns (nil, nil) when
	// the queue is empty at expiry.
	Pull(ctx context.Context, timeout time.Duration) (*Task, error)
	// PushRetry re-enqueues a task at the consuming end so it is
	// redelivered before older work.
	PushRetry(ctx context.Context, t *Task) error
	// PushResult appends a terminal result to the result stream.
	PushResult(ctx context.Context, r *TaskResult) error
	Close() error
}

// Notifier delivers best-effort task lifecycle notifications to the
// orchestrator. Callers log and swallow returned errors.
type Notifier interface {
	NotifyStarted(ctx context.Context, taskID, agentID string) error
	NotifyCompleted(ctx context.Context, r *TaskResult) error
	Health(ctx context.Context) error
}
