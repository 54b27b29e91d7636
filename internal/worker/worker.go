// Package worker runs the pull loop and heartbeat for one runtime
// process slot, and manages fleets of them.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/apex-agent-runtime/internal/config"
)

// State is the worker lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopping State = "stopping"
)

// heartbeatRetryDelay applies after a failed heartbeat write.
const heartbeatRetryDelay = 5 * time.Second

// pullErrorDelay throttles the main loop after a pull failure so a dead
// bus does not spin the CPU.
const pullErrorDelay = time.Second

// TaskRunner is the executor surface the worker drives.
type TaskRunner interface {
	Initialize() error
	PullAndExecute(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ActiveCount() int
	TasksProcessed() int64
	TasksFailed() int64
}

// Heartbeater publishes liveness documents to the bus.
type Heartbeater interface {
	Heartbeat(ctx context.Context, workerID string, doc any, ttl time.Duration) error
}

// heartbeatDoc is the JSON document written under the worker's heartbeat
// key.
type heartbeatDoc struct {
	WorkerID       string `json:"worker_id"`
	State          string `json:"state"`
	TasksProcessed int64  `json:"tasks_processed"`
	TasksFailed    int64  `json:"tasks_failed"`
	ActiveTasks    int    `json:"active_tasks"`
	Timestamp      string `json:"timestamp"`
}

// Worker owns one pull loop and one heartbeat loop.
type Worker struct {
	id     string
	cfg    config.Config
	runner TaskRunner
	hb     Heartbeater

	mu        sync.Mutex
	state     State
	startTime time.Time
	stopTime  time.Time
	cancel    context.CancelFunc
	stopped   bool

	wg sync.WaitGroup
}

// New constructs a stopped Worker.
func New(id string, cfg config.Config, runner TaskRunner, hb Heartbeater) *Worker {
	return &Worker{
		id:     id,
		cfg:    cfg,
		runner: runner,
		hb:     hb,
		state:  StateStopped,
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Start brings the worker to running and launches its loops. Only a
// stopped worker may start.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		state := w.state
		w.mu.Unlock()
		return errors.New("worker " + w.id + " cannot start from state " + string(state))
	}
	w.state = StateStarting
	w.startTime = time.Now()
	w.stopTime = time.Time{}
	w.stopped = false
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.runner.Initialize(); err != nil {
		w.setState(StateStopped)
		cancel()
		return err
	}

	w.setState(StateRunning)
	slog.Info("worker started", slog.String("worker_id", w.id))

	w.wg.Add(2)
	go w.mainLoop(loopCtx)
	go w.heartbeatLoop(loopCtx)
	return nil
}

func (w *Worker) mainLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.runner.PullAndExecute(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		slog.Error("pull failed", slog.String("worker_id", w.id), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(pullErrorDelay):
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	w.sendHeartbeat(ctx)

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.sendHeartbeat(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(heartbeatRetryDelay):
					w.sendHeartbeat(ctx)
				}
			}
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) bool {
	doc := heartbeatDoc{
		WorkerID:       w.id,
		State:          string(w.State()),
		TasksProcessed: w.runner.TasksProcessed(),
		TasksFailed:    w.runner.TasksFailed(),
		ActiveTasks:    w.runner.ActiveCount(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	if err := w.hb.Heartbeat(ctx, w.id, doc, w.cfg.HeartbeatTTL); err != nil {
		slog.Warn("heartbeat failed", slog.String("worker_id", w.id), slog.Any("error", err))
		return false
	}
	return true
}

// Stop drains the worker within the timeout. It never returns an error
// and is safe to call repeatedly or on a never-started worker.
func (w *Worker) Stop(timeout time.Duration) {
	w.mu.Lock()
	if w.stopped || w.state == StateStopped {
		w.state = StateStopped
		w.stopped = true
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.state = StateDraining
	cancel := w.cancel
	w.mu.Unlock()

	slog.Info("worker stopping", slog.String("worker_id", w.id))
	if cancel != nil {
		cancel()
	}

	ctx, cancelWait := context.WithTimeout(context.Background(), timeout)
	defer cancelWait()
	if err := w.runner.Shutdown(ctx); err != nil {
		slog.Warn("worker drain incomplete", slog.String("worker_id", w.id), slog.Any("error", err))
	}

	w.setState(StateStopping)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("worker loops did not exit before timeout", slog.String("worker_id", w.id))
	}

	w.mu.Lock()
	w.state = StateStopped
	w.stopTime = time.Now()
	w.mu.Unlock()
	slog.Info("worker stopped", slog.String("worker_id", w.id))
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() map[string]any {
	w.mu.Lock()
	start := w.startTime
	stop := w.stopTime
	state := w.state
	w.mu.Unlock()

	// A stopped-but-previously-started worker reports the span it ran;
	// only a never-started worker reports zero.
	uptime := 0.0
	switch {
	case start.IsZero():
	case !stop.IsZero():
		uptime = stop.Sub(start).Seconds()
	default:
		uptime = time.Since(start).Seconds()
	}
	return map[string]any{
		"worker_id":       w.id,
		"state":           string(state),
		"tasks_processed": w.runner.TasksProcessed(),
		"tasks_failed":    w.runner.TasksFailed(),
		"active_tasks":    w.runner.ActiveCount(),
		"uptime_seconds":  uptime,
	}
}
