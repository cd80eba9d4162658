// Package background provides the durable task queue the pipeline dispatches
// its phase jobs onto: bounded concurrent execution, automatic retries with
// backoff, and a monitoring API (state plus history per handle) that the
// health monitor consults during recovery.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seedrelay/seedrelay/internal/logging"
)

// State is the lifecycle of an enqueued task.
type State string

const (
	StateEnqueued   State = "Enqueued"
	StateScheduled  State = "Scheduled"
	StateProcessing State = "Processing"
	StateSucceeded  State = "Succeeded"
	StateFailed     State = "Failed"
	StateDeleted    State = "Deleted"
)

// ErrUnknownTarget is returned when Enqueue names an unregistered target.
var ErrUnknownTarget = errors.New("unknown background target")

// ErrUnknownHandle is returned by Describe/Delete for a handle the queue has
// never issued.
var ErrUnknownHandle = errors.New("unknown background job handle")

// RetryBackoff is the delay schedule between attempts. A task failing after
// the last entry moves to Failed permanently.
var RetryBackoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// Handler executes one task. A non-nil error triggers the retry schedule.
type Handler func(ctx context.Context, args map[string]string) error

// StateChange is one entry in a task's history.
type StateChange struct {
	State     State
	At        time.Time
	Reason    string
}

// Description is the monitoring view of a task.
type Description struct {
	Handle  string
	Target  string
	State   State
	Attempt int
	History []StateChange
}

// Engine is the queue surface the rest of the pipeline depends on.
type Engine interface {
	Enqueue(target string, args map[string]string) (string, error)
	Delete(handle string) error
	Describe(handle string) (*Description, error)
}

type task struct {
	handle  string
	target  string
	args    map[string]string
	state   State
	attempt int
	history []StateChange
	timer   *time.Timer
}

// Queue is an in-process Engine with a bounded worker pool.
type Queue struct {
	logger   *logging.Logger
	handlers map[string]Handler
	sem      chan struct{}

	mu    sync.Mutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue executing at most maxConcurrent tasks at a time.
func NewQueue(maxConcurrent int, logger *logging.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:   logger.Sub("background"),
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, maxConcurrent),
		tasks:    make(map[string]*task),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register binds a target name to its handler. Must be called before any
// Enqueue for that target.
func (q *Queue) Register(target string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[target] = h
}

// Enqueue schedules a task for immediate execution and returns its handle.
func (q *Queue) Enqueue(target string, args map[string]string) (string, error) {
	q.mu.Lock()
	if _, ok := q.handlers[target]; !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	t := &task{
		handle: uuid.NewString(),
		target: target,
		args:   args,
		state:  StateEnqueued,
	}
	t.history = append(t.history, StateChange{State: StateEnqueued, At: time.Now().UTC()})
	q.tasks[t.handle] = t
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(t)
	return t.handle, nil
}

// Delete removes a pending or scheduled task. A Processing task keeps running
// but its result is recorded under the Deleted state.
func (q *Queue) Delete(handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[handle]
	if !ok {
		return ErrUnknownHandle
	}
	if t.timer != nil {
		if t.timer.Stop() {
			// The retry run was pre-registered with the wait group.
			q.wg.Done()
		}
		t.timer = nil
	}
	t.state = StateDeleted
	t.history = append(t.history, StateChange{State: StateDeleted, At: time.Now().UTC()})
	return nil
}

// Describe returns the monitoring view of a task.
func (q *Queue) Describe(handle string) (*Description, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	history := make([]StateChange, len(t.history))
	copy(history, t.history)
	return &Description{
		Handle:  t.handle,
		Target:  t.target,
		State:   t.state,
		Attempt: t.attempt,
		History: history,
	}, nil
}

// Shutdown stops accepting retries and waits for running tasks to return.
func (q *Queue) Shutdown() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run(t *task) {
	defer q.wg.Done()

	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	defer func() { <-q.sem }()

	q.mu.Lock()
	if t.state == StateDeleted {
		q.mu.Unlock()
		return
	}
	handler := q.handlers[t.target]
	t.state = StateProcessing
	t.attempt++
	attempt := t.attempt
	t.history = append(t.history, StateChange{State: StateProcessing, At: time.Now().UTC()})
	q.mu.Unlock()

	err := q.invoke(handler, t.args)

	q.mu.Lock()
	defer q.mu.Unlock()
	if t.state == StateDeleted {
		return
	}

	if err == nil {
		t.state = StateSucceeded
		t.history = append(t.history, StateChange{State: StateSucceeded, At: time.Now().UTC()})
		return
	}

	if attempt > len(RetryBackoff) {
		t.state = StateFailed
		t.history = append(t.history, StateChange{State: StateFailed, At: time.Now().UTC(), Reason: err.Error()})
		q.logger.Error().
			Str("handle", t.handle).
			Str("target", t.target).
			Int("attempts", attempt).
			Err(err).
			Msg("Background job exhausted retries")
		return
	}

	delay := RetryBackoff[attempt-1]
	t.state = StateScheduled
	t.history = append(t.history, StateChange{State: StateScheduled, At: time.Now().UTC(), Reason: err.Error()})
	q.logger.Warn().
		Str("handle", t.handle).
		Str("target", t.target).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Err(err).
		Msg("Background job failed, scheduling retry")

	q.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		q.run(t)
	})
}

func (q *Queue) invoke(h Handler, args map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background handler panic: %v", r)
		}
	}()
	return h(q.ctx, args)
}
