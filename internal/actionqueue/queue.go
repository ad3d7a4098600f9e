// Package actionqueue implements a single-worker FIFO action queue with a
// one-slot high-priority preempt lane and completion callbacks, used to
// serialize network I/O and parser work off the consumer goroutine.
package actionqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/countersvk/pvr.puzzle.tv/internal/log"
	"github.com/countersvk/pvr.puzzle.tv/internal/metrics"
)

// Status classifies how a submitted action finished.
type Status int

const (
	StatusCompleted Status = iota
	StatusCanceled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is delivered to a Completion exactly once per submitted action.
type Result struct {
	Status Status
	Err    error
}

// Completion runs on the worker goroutine after Action.Perform (or
// Action.Cancel, on the cancel path) returns.
type Completion func(Result)

// Action bundles the normal execution path with the cancel path used when
// the queue is stopping and a FIFO item has not yet been picked up.
type Action struct {
	Perform func() error
	Cancel  func()
}

type queueItem struct {
	action     Action
	completion Completion
}

// Queue is a single-worker FIFO with a one-slot priority lane.
type Queue struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	items    []queueItem
	maxSize  int
	stopping bool
	done     chan struct{}

	prioMu   sync.Mutex
	prioCond *sync.Cond
	prioItem *queueItem
	prioBusy bool
}

// New creates a queue with the given FIFO backlog limit and starts its
// single worker goroutine.
func New(name string, maxSize int) *Queue {
	if maxSize < 1 {
		maxSize = 1
	}
	q := &Queue{
		name:    name,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.prioCond = sync.NewCond(&q.prioMu)
	go q.run()
	return q
}

// Submit enqueues action for FIFO execution. It never blocks the caller.
func (q *Queue) Submit(action Action, completion Completion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		return ErrQueueStopped
	}
	if len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, queueItem{action: action, completion: completion})
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.items)))
	q.cond.Signal()
	return nil
}

// SubmitPriority blocks the caller until the single priority slot is free,
// installs action in it, and wakes the worker. The worker drains the
// priority slot before resuming FIFO processing.
func (q *Queue) SubmitPriority(action Action, completion Completion) error {
	q.prioMu.Lock()
	for q.prioBusy {
		q.prioCond.Wait()
	}
	if q.isStopping() {
		q.prioMu.Unlock()
		return ErrQueueStopped
	}
	q.prioBusy = true
	q.prioItem = &queueItem{action: action, completion: completion}
	q.prioMu.Unlock()

	metrics.PriorityItemsTotal.WithLabelValues(q.name).Inc()

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// TrySubmitPriority installs action in the priority slot without blocking.
// It fails with ErrQueueTooManyPriority if the slot is already occupied.
func (q *Queue) TrySubmitPriority(action Action, completion Completion) error {
	q.prioMu.Lock()
	if q.prioBusy {
		q.prioMu.Unlock()
		return ErrQueueTooManyPriority
	}
	if q.isStopping() {
		q.prioMu.Unlock()
		return ErrQueueStopped
	}
	q.prioBusy = true
	q.prioItem = &queueItem{action: action, completion: completion}
	q.prioMu.Unlock()

	metrics.PriorityItemsTotal.WithLabelValues(q.name).Inc()

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

func (q *Queue) isStopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}

// Stop marks the queue as stopping: remaining FIFO items are dispatched on
// their cancel path, a pending priority item is still performed. It
// returns true iff the worker exited within timeout.
func (q *Queue) Stop(timeout time.Duration) bool {
	q.mu.Lock()
	q.stopping = true
	q.cond.Broadcast()
	q.mu.Unlock()

	select {
	case <-q.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		if item := q.takePriority(); item != nil {
			q.execute(item, false)
			q.releasePriority()
			continue
		}

		q.mu.Lock()
		for len(q.items) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.stopping {
			q.mu.Unlock()
			// A priority item installed during shutdown is still performed.
			if item := q.takePriority(); item != nil {
				q.execute(item, false)
				q.releasePriority()
			}
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		stopping := q.stopping
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.items)))
		q.mu.Unlock()

		q.execute(&item, stopping)
	}
}

func (q *Queue) takePriority() *queueItem {
	q.prioMu.Lock()
	defer q.prioMu.Unlock()
	item := q.prioItem
	q.prioItem = nil
	return item
}

func (q *Queue) releasePriority() {
	q.prioMu.Lock()
	q.prioBusy = false
	q.prioCond.Broadcast()
	q.prioMu.Unlock()
}

func (q *Queue) execute(item *queueItem, cancelPath bool) {
	result := q.run1(item, cancelPath)
	if item.completion == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("actionqueue")
			logger.Error().
				Interface("panic", r).
				Str("queue", q.name).
				Msg("completion panicked, suppressed")
		}
	}()
	item.completion(result)
}

func (q *Queue) run1(item *queueItem, cancelPath bool) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Status: StatusFailed, Err: fmt.Errorf("action panicked: %v", r)}
		}
	}()

	if cancelPath {
		if item.action.Cancel != nil {
			item.action.Cancel()
		}
		return Result{Status: StatusCanceled}
	}

	var err error
	if item.action.Perform != nil {
		err = item.action.Perform()
	}
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	return Result{Status: StatusCompleted}
}
