// Package preload schedules out-of-band prefix fetches so playback starts
// from local disk.
//
// The scheduler owns a priority queue of tasks and a running set bounded by
// maxConcurrent. Dispatch happens whenever the running set shrinks or a
// task is enqueued; each running task drives the resource's loader and
// retries transient failures with exponential sleeps. Queued tasks can be
// paused, resumed, and cancelled; dynamic aging bumps starved tasks one
// priority level at a time.
package preload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/loader"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
)

// Defaults for optional Config fields.
const (
	DefaultMaxConcurrent        = 3
	DefaultMaxRetries           = 3
	DefaultRetryInitialInterval = time.Second
	DefaultAgingThreshold       = 30 * time.Second
	DefaultHistoryLimit         = 100
)

// ErrConfig reports an invalid scheduler configuration.
var ErrConfig = errors.New("invalid preload configuration")

// Fetcher runs the actual prefix fetch for a task. The loader registry
// implements it.
type Fetcher interface {
	Preload(ctx context.Context, url string, length int64, prio metadata.Priority) error
}

// Config holds scheduler tunables.
type Config struct {
	// MaxConcurrent bounds the running set. Must be at least 1.
	MaxConcurrent int

	// BatchSize bounds how many tasks one dispatch round may start. Zero
	// means up to MaxConcurrent.
	BatchSize int

	// MaxRetries is the number of task-level retries for transient
	// failures.
	MaxRetries int

	// RetryInitialInterval seeds the exponential retry sleep
	// (initial * 2^retryCount).
	RetryInitialInterval time.Duration

	// TaskTimeout bounds each task's total run time. Zero disables the
	// watchdog.
	TaskTimeout time.Duration

	// DynamicAging bumps tasks older than AgingThreshold one priority
	// level before each dispatch.
	DynamicAging   bool
	AgingThreshold time.Duration

	// HistoryLimit bounds the retained terminal task list.
	HistoryLimit int
}

func (c *Config) validate() error {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: maxConcurrent must be >= 1, got %d", ErrConfig, c.MaxConcurrent)
	}
	if c.BatchSize <= 0 || c.BatchSize > c.MaxConcurrent {
		c.BatchSize = c.MaxConcurrent
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0, got %d", ErrConfig, c.MaxRetries)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if c.AgingThreshold <= 0 {
		c.AgingThreshold = DefaultAgingThreshold
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return nil
}

// Counters aggregates task outcomes.
type Counters struct {
	Created   uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
}

// runningTask pairs a running task with its cancellation and pause intent.
type runningTask struct {
	task   *Task
	cancel context.CancelFunc
	pause  bool
}

// Scheduler coordinates preload tasks. All state is guarded by one mutex;
// fetches run in their own goroutines.
type Scheduler struct {
	fetch Fetcher
	keyFn metadata.KeyFunc
	cfg   Config

	mu       sync.Mutex
	queued   []*Task // sorted: priority desc, createdAt asc; includes paused
	running  map[uuid.UUID]*runningTask
	history  []Task
	counters Counters
	closed   bool

	dispatch chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// New creates a scheduler. A nil keyFn uses the default key derivation.
func New(fetch Fetcher, keyFn metadata.KeyFunc, cfg Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if keyFn == nil {
		keyFn = metadata.DefaultKeyFunc
	}
	return &Scheduler{
		fetch:    fetch,
		keyFn:    keyFn,
		cfg:      cfg,
		running:  make(map[uuid.UUID]*runningTask),
		dispatch: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins dispatching.
func (s *Scheduler) Start() {
	go s.run()
}

// Close cancels every non-terminal task and stops the dispatch loop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	close(s.stop)
	<-s.done
}

// Add enqueues a preload of the first length bytes of url (-1 for the
// whole resource) and returns the task ID.
func (s *Scheduler) Add(url string, length int64, prio metadata.Priority) (uuid.UUID, error) {
	now := time.Now()
	task := &Task{
		ID:        uuid.New(),
		URL:       url,
		Key:       s.keyFn(url),
		Length:    length,
		Priority:  prio,
		CreatedAt: now,
		State:     StateQueued,
		Timeout:   s.cfg.TaskTimeout,
		agedAt:    now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, loader.ErrClosed
	}
	s.insertLocked(task)
	s.counters.Created++
	s.mu.Unlock()

	logger.Debug("preload task enqueued",
		logger.Task(task.ID.String()), logger.URL(url),
		logger.Priority(prio.String()), logger.Length(length))
	s.wake()
	return task.ID, nil
}

// EnqueueSegment implements loader.SegmentEnqueuer: HLS segments preload in
// full with the playlist's priority.
func (s *Scheduler) EnqueueSegment(url string, prio metadata.Priority) {
	if _, err := s.Add(url, -1, prio); err != nil {
		logger.Warn("failed to enqueue playlist segment", logger.URL(url), logger.Err(err))
	}
}

// Cancel cancels a task. Returns true iff the task was not yet terminal.
// Idempotent: cancelling a finished or unknown task returns false.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()

	if run, ok := s.running[id]; ok {
		run.pause = false
		run.cancel()
		s.mu.Unlock()
		return true
	}

	for i, task := range s.queued {
		if task.ID != id {
			continue
		}
		s.queued = append(s.queued[:i], s.queued[i+1:]...)
		s.finishLocked(task, StateCancelled, "")
		s.mu.Unlock()
		return true
	}

	s.mu.Unlock()
	return false
}

// CancelAll transitions every non-terminal task to cancelled.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	queued := s.queued
	s.queued = nil
	for _, task := range queued {
		s.finishLocked(task, StateCancelled, "")
	}
	for _, run := range s.running {
		run.pause = false
		run.cancel()
	}
	s.mu.Unlock()
}

// Pause removes a queued task from dispatch candidates, or tears down a
// running task's session while keeping its partial cache; either way the
// task stays in the queue as paused. Returns false for terminal or unknown
// tasks.
func (s *Scheduler) Pause(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.running[id]; ok {
		run.pause = true
		run.cancel()
		return true
	}
	for _, task := range s.queued {
		if task.ID == id && task.State == StateQueued {
			task.State = StatePaused
			return true
		}
	}
	return false
}

// Resume returns a paused task to the dispatch queue.
func (s *Scheduler) Resume(id uuid.UUID) bool {
	s.mu.Lock()
	resumed := false
	for _, task := range s.queued {
		if task.ID == id && task.State == StatePaused {
			task.State = StateQueued
			resumed = true
			break
		}
	}
	s.mu.Unlock()

	if resumed {
		s.wake()
	}
	return resumed
}

// Task returns a snapshot of a task in any state.
func (s *Scheduler) Task(id uuid.UUID) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.running[id]; ok {
		return run.task.Snapshot(), true
	}
	for _, task := range s.queued {
		if task.ID == id {
			return task.Snapshot(), true
		}
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i], true
		}
	}
	return Task{}, false
}

// Tasks returns snapshots of all known tasks: queued, running, and retained
// history.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.queued)+len(s.running)+len(s.history))
	for _, task := range s.queued {
		out = append(out, task.Snapshot())
	}
	for _, run := range s.running {
		out = append(out, run.task.Snapshot())
	}
	out = append(out, s.history...)
	return out
}

// Counters returns the outcome counters.
func (s *Scheduler) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// RunningCount returns the size of the running set.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// wake nudges the dispatch loop without blocking.
func (s *Scheduler) wake() {
	select {
	case s.dispatch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	var aging <-chan time.Time
	if s.cfg.DynamicAging {
		ticker := time.NewTicker(s.cfg.AgingThreshold / 2)
		defer ticker.Stop()
		aging = ticker.C
	}

	for {
		select {
		case <-s.stop:
			return
		case <-s.dispatch:
		case <-aging:
		}
		s.dispatchReady()
	}
}

// dispatchReady applies aging, then starts tasks from the head of the queue
// until the running set is full or the batch budget is spent.
func (s *Scheduler) dispatchReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.cfg.DynamicAging {
		s.ageLocked(time.Now())
	}

	free := s.cfg.MaxConcurrent - len(s.running)
	if free > s.cfg.BatchSize {
		free = s.cfg.BatchSize
	}

	for free > 0 {
		task := s.takeNextLocked()
		if task == nil {
			return
		}
		s.startLocked(task)
		free--
	}
}

// takeNextLocked pops the highest-priority queued task, skipping paused
// entries.
func (s *Scheduler) takeNextLocked() *Task {
	for i, task := range s.queued {
		if task.State != StateQueued {
			continue
		}
		s.queued = append(s.queued[:i], s.queued[i+1:]...)
		return task
	}
	return nil
}

// ageLocked bumps starved queued tasks one priority level (capped below
// permanent: an aged preload must never become immune to eviction) and
// restores the queue order.
func (s *Scheduler) ageLocked(now time.Time) {
	changed := false
	for _, task := range s.queued {
		if task.State != StateQueued || task.Priority >= metadata.PriorityHigh {
			continue
		}
		if now.Sub(task.agedAt) < s.cfg.AgingThreshold {
			continue
		}
		task.Priority++
		task.agedAt = now
		changed = true
	}
	if changed {
		sort.SliceStable(s.queued, func(i, j int) bool {
			return s.queued[i].before(s.queued[j])
		})
	}
}

// insertLocked places a task at its queue position via binary search.
func (s *Scheduler) insertLocked(task *Task) {
	i := sort.Search(len(s.queued), func(i int) bool {
		return task.before(s.queued[i])
	})
	s.queued = append(s.queued, nil)
	copy(s.queued[i+1:], s.queued[i:])
	s.queued[i] = task
}

// startLocked moves a task into the running set and launches its runner.
func (s *Scheduler) startLocked(task *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), task.Timeout)
	}

	task.State = StateRunning
	task.StartedAt = time.Now()
	s.running[task.ID] = &runningTask{task: task, cancel: cancel}

	go s.runTask(ctx, cancel, task)
}

// runTask drives one task to a terminal state (or back to paused),
// retrying transient failures with exponential sleeps. Cancellation
// short-circuits the sleeps.
func (s *Scheduler) runTask(ctx context.Context, cancel context.CancelFunc, task *Task) {
	defer cancel()

	for {
		err := s.fetch.Preload(ctx, task.URL, task.Length, task.Priority)

		s.mu.Lock()
		run := s.running[task.ID]
		switch {
		case err == nil:
			delete(s.running, task.ID)
			s.finishLocked(task, StateCompleted, "")
			s.mu.Unlock()
			s.wake()
			return

		case ctx.Err() == context.DeadlineExceeded:
			delete(s.running, task.ID)
			s.finishLocked(task, StateFailed, "timeout")
			s.mu.Unlock()
			s.wake()
			return

		case ctx.Err() != nil || errors.Is(err, loader.ErrCancelled):
			delete(s.running, task.ID)
			if run != nil && run.pause {
				// Paused mid-flight: the partial cache stays, the task goes
				// back into the queue.
				task.State = StatePaused
				s.insertLocked(task)
			} else {
				s.finishLocked(task, StateCancelled, "")
			}
			s.mu.Unlock()
			s.wake()
			return

		default:
			task.RetryCount++
			if task.RetryCount > s.cfg.MaxRetries {
				delete(s.running, task.ID)
				s.finishLocked(task, StateFailed, err.Error())
				s.mu.Unlock()
				s.wake()
				return
			}
			retry := task.RetryCount
			s.mu.Unlock()

			delay := s.cfg.RetryInitialInterval * (1 << retry)
			logger.Warn("preload attempt failed, retrying",
				logger.Task(task.ID.String()), logger.Attempt(retry),
				logger.MaxRetries(s.cfg.MaxRetries), "delay", delay, logger.Err(err))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Loop once more to classify the cancellation.
			}
		}
	}
}

// finishLocked records a terminal state and pushes the task into bounded
// history.
func (s *Scheduler) finishLocked(task *Task, state State, reason string) {
	task.State = state
	task.EndedAt = time.Now()
	task.FailReason = reason

	switch state {
	case StateCompleted:
		s.counters.Completed++
	case StateFailed:
		s.counters.Failed++
		logger.Warn("preload task failed",
			logger.Task(task.ID.String()), logger.URL(task.URL), "reason", reason)
	case StateCancelled:
		s.counters.Cancelled++
	}

	s.history = append(s.history, task.Snapshot())
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
}
