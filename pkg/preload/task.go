package preload

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/birdmichael/BMVideoCache/pkg/metadata"
)

// State is a preload task's lifecycle state. Completed, Failed, and
// Cancelled are terminal.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	StatePaused
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Task is one preload work item: fetch the first Length bytes of URL into
// the cache.
type Task struct {
	ID       uuid.UUID
	URL      string
	Key      string
	Length   int64 // -1 preloads the whole resource
	Priority metadata.Priority

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	State      State
	RetryCount int
	Timeout    time.Duration
	FailReason string

	// agedAt is the last time dynamic aging considered the task.
	agedAt time.Time
}

// Snapshot returns a copy safe to hand outside the scheduler.
func (t *Task) Snapshot() Task {
	return *t
}

// before orders the dispatch queue: higher priority first, older first
// within a priority.
func (t *Task) before(o *Task) bool {
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	return t.CreatedAt.Before(o.CreatedAt)
}
