package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrProvider          = errors.New("provider error")
	ErrInternal          = errors.New("internal error")

	// Agent-loop terminal conditions. Semantic, not transient: tasks that
	// end this way are not retried.
	ErrLoopDetected       = errors.New("loop detected")
	ErrDiminishingReturns = errors.New("diminishing returns")
	ErrMaxIterations      = errors.New("max iterations exceeded")
	ErrTaskTimeout        = errors.New("task timed out")
)

// IsRetryable reports whether an error is transient from the task's point
// of view: the operation may succeed if the task is re-enqueued.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrLoopDetected),
		errors.Is(err, ErrDiminishingReturns),
		errors.Is(err, ErrMaxIterations),
		errors.Is(err, ErrInvalidArgument):
		return false
	}
	return true
}
