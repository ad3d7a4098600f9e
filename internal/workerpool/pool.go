// Package workerpool implements the Bounded Worker Pool: a fixed set
// of workers draining a depth-limited queue, applying back-pressure to
// producers once the backlog reaches the configured limit.
package workerpool

import (
	"fmt"
	"sync"

	"github.com/countersvk/pvr.puzzle.tv/internal/metrics"
)

// Result is delivered through a task's Future exactly once.
type Result struct {
	Value    interface{}
	Err      error
	Canceled bool
}

// Future resolves to a task's Result once the pool has run it (or
// canceled it because the pool shut down first).
type Future struct {
	ch chan Result
}

// Wait blocks until the task's result is available.
func (f *Future) Wait() Result { return <-f.ch }

// Done exposes the result channel for use in a select statement.
func (f *Future) Done() <-chan Result { return f.ch }

type task struct {
	fn     func() (interface{}, error)
	future *Future
}

// Pool runs submitted tasks on a resizable set of worker goroutines,
// bounding the backlog depth to apply back-pressure.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	idleCond *sync.Cond
	wg       sync.WaitGroup

	tasks         []*task
	queueLimit    int
	inflight      int
	liveWorkers   int
	targetWorkers int
	stopping      bool
	closeOnce     sync.Once
}

// New spawns n workers (n is clamped to >= 1) with a default queue limit
// equal to 4x the worker count; call SetQueueLimit to override.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		targetWorkers: n,
		queueLimit:    n * 4,
	}
	p.cond = sync.NewCond(&p.mu)
	p.idleCond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.liveWorkers++
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

// SetQueueLimit bounds subsequent Submit calls; k is clamped to >= 1.
func (p *Pool) SetQueueLimit(k int) {
	if k < 1 {
		k = 1
	}
	p.mu.Lock()
	p.queueLimit = k
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Submit runs fn on a worker. If the backlog is at the queue limit, the
// caller blocks (cooperatively) until a slot frees or the pool starts
// shutting down, in which case the returned Future resolves to Canceled.
func (p *Pool) Submit(fn func() (interface{}, error)) *Future {
	f := &Future{ch: make(chan Result, 1)}

	p.mu.Lock()
	for len(p.tasks) >= p.queueLimit && !p.stopping {
		p.cond.Wait()
	}
	if p.stopping {
		p.mu.Unlock()
		f.ch <- Result{Canceled: true}
		return f
	}
	p.tasks = append(p.tasks, &task{fn: fn, future: f})
	metrics.PoolQueueDepth.Set(float64(len(p.tasks)))
	p.cond.Signal()
	p.mu.Unlock()
	return f
}

// WaitIdle blocks until no task is in-flight and the queue is empty.
func (p *Pool) WaitIdle() {
	p.mu.Lock()
	for p.inflight != 0 || len(p.tasks) != 0 {
		p.idleCond.Wait()
	}
	p.mu.Unlock()
}

// Resize grows the pool immediately by spawning new workers, or shrinks it
// by asking surplus workers to exit once they finish their current task.
func (p *Pool) Resize(m int) {
	if m < 1 {
		m = 1
	}
	p.mu.Lock()
	old := p.targetWorkers
	p.targetWorkers = m
	if m > old {
		toSpawn := m - old
		p.liveWorkers += toSpawn
		p.wg.Add(toSpawn)
		p.mu.Unlock()
		for i := 0; i < toSpawn; i++ {
			go p.runWorker()
		}
		return
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close requests all workers to stop, cancels any still-queued tasks, and
// joins every worker goroutine before returning.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		pending := p.tasks
		p.tasks = nil
		p.cond.Broadcast()
		p.mu.Unlock()

		for _, t := range pending {
			t.future.ch <- Result{Canceled: true}
		}
	})
	p.wg.Wait()
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.stopping && p.liveWorkers <= p.targetWorkers {
			p.cond.Wait()
		}

		if p.liveWorkers > p.targetWorkers {
			p.liveWorkers--
			p.mu.Unlock()
			return
		}
		if len(p.tasks) == 0 && p.stopping {
			p.liveWorkers--
			p.mu.Unlock()
			return
		}
		if len(p.tasks) == 0 {
			// Woke spuriously (e.g. SetQueueLimit broadcast); re-evaluate.
			p.mu.Unlock()
			continue
		}

		t := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.inflight++
		metrics.PoolQueueDepth.Set(float64(len(p.tasks)))
		metrics.PoolInflight.Set(float64(p.inflight))
		p.cond.Signal()
		p.mu.Unlock()

		result := runTask(t)
		t.future.ch <- result

		p.mu.Lock()
		p.inflight--
		metrics.PoolInflight.Set(float64(p.inflight))
		idle := p.inflight == 0 && len(p.tasks) == 0
		p.mu.Unlock()
		if idle {
			p.idleCond.Broadcast()
		}
	}
}

func runTask(t *task) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Err: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	v, err := t.fn()
	return Result{Value: v, Err: err}
}
