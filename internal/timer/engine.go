package timer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/countersvk/pvr.puzzle.tv/internal/log"
	"github.com/countersvk/pvr.puzzle.tv/internal/metrics"
)

// maxSleep bounds how long the worker sleeps with nothing to dispatch,
// so clock drift and late Adds can never stall it for more than a day.
const maxSleep = 24 * time.Hour

// Recorder is the external delegate that actually starts and stops
// recordings. Its methods are called from the engine's worker goroutine.
type Recorder interface {
	StartRecording(rec Record) error
	StopRecording(rec Record) error
}

// Engine maintains the ordered timer set and runs the scheduling worker.
type Engine struct {
	recorder  Recorder
	cachePath string
	onChanged func()

	mu              sync.Mutex
	records         []Record
	nextClientIndex uint32
	stopped         bool

	wake chan struct{}
	done chan struct{}
}

// New loads the persisted timer set from cachePath (if it exists),
// downgrades any timer persisted mid-recording to Aborted, and starts
// the worker. cachePath may be empty to disable persistence; onChanged
// may be nil.
func New(recorder Recorder, cachePath string, onChanged func()) (*Engine, error) {
	e := &Engine{
		recorder:  recorder,
		cachePath: cachePath,
		onChanged: onChanged,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if cachePath != "" {
		records, err := loadRecords(cachePath)
		if err != nil {
			return nil, err
		}
		for i := range records {
			if records[i].State == StateRecording {
				records[i].State = StateAborted
			}
			if records[i].ClientIndex >= e.nextClientIndex {
				e.nextClientIndex = records[i].ClientIndex + 1
			}
		}
		sort.Slice(records, func(i, j int) bool { return records[i].less(records[j]) })
		e.records = records
	}

	go e.run()
	return e, nil
}

// Add inserts rec, assigns it a unique client index, wakes the worker,
// and persists the set. The assigned index is returned.
func (e *Engine) Add(rec Record) (uint32, error) {
	if !rec.End.After(rec.Start) {
		return 0, fmt.Errorf("%w: end %v not after start %v", ErrInvalidTimer, rec.End, rec.Start)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return 0, ErrStopped
	}
	rec.ClientIndex = e.nextClientIndex
	e.nextClientIndex++
	rec.State = StateScheduled

	idx := sort.Search(len(e.records), func(i int) bool { return rec.less(e.records[i]) })
	e.records = append(e.records, Record{})
	copy(e.records[idx+1:], e.records[idx:])
	e.records[idx] = rec

	e.persistLocked()
	e.mu.Unlock()

	e.notifyChanged()
	e.wakeWorker()
	return rec.ClientIndex, nil
}

// Delete removes the timer with the given client index. A timer that is
// currently recording is only removed when force is true, in which case
// the recorder is told to stop and the timer ends as Canceled.
func (e *Engine) Delete(clientIndex uint32, force bool) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}

	pos := -1
	for i := range e.records {
		if e.records[i].ClientIndex == clientIndex {
			pos = i
			break
		}
	}
	if pos == -1 {
		e.mu.Unlock()
		return fmt.Errorf("%w: unknown client index %d", ErrInvalidTimer, clientIndex)
	}

	rec := e.records[pos]
	if rec.State == StateRecording {
		if !force {
			e.mu.Unlock()
			return ErrRecordingRunning
		}
		if err := e.recorder.StopRecording(rec); err != nil {
			rec.State = StateError
		} else {
			rec.State = StateCanceled
		}
		metrics.TimerDispatchTotal.WithLabelValues("stop").Inc()
	}

	e.records = append(e.records[:pos], e.records[pos+1:]...)
	e.persistLocked()
	e.mu.Unlock()

	e.notifyChanged()
	e.wakeWorker()
	return nil
}

// List returns a snapshot copy of the timer set in scheduling order.
func (e *Engine) List() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.records))
	copy(out, e.records)
	return out
}

// Stop shuts the worker down, persisting the final set. It returns true
// iff the worker exited within timeout.
func (e *Engine) Stop(timeout time.Duration) bool {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		e.persistLocked()
	}
	e.mu.Unlock()
	e.wakeWorker()

	select {
	case <-e.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) wakeWorker() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) notifyChanged() {
	if e.onChanged != nil {
		e.onChanged()
	}
}

func (e *Engine) run() {
	defer close(e.done)
	logger := log.WithComponent("timer")

	for {
		changed := e.dispatchDue(time.Now())
		if changed {
			e.notifyChanged()
		}

		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		next := e.nextWakeupLocked(time.Now())
		e.mu.Unlock()

		t := time.NewTimer(time.Until(next))
		select {
		case <-e.wake:
			t.Stop()
		case <-t.C:
		}
		logger.Debug().Msg("timer worker woke")
	}
}

// nextWakeupLocked is the earliest of: the next scheduled start, the
// earliest running recording's end, and now+24h.
func (e *Engine) nextWakeupLocked(now time.Time) time.Time {
	next := now.Add(maxSleep)
	for i := range e.records {
		switch e.records[i].State {
		case StateScheduled:
			if s := e.records[i].AdjustedStart(); s.Before(next) {
				next = s
			}
		case StateRecording:
			if end := e.records[i].AdjustedEnd(); end.Before(next) {
				next = end
			}
		}
	}
	return next
}

// dispatchDue stops every recording whose end has passed and starts
// every scheduled timer whose start has passed, each exactly once. It
// reports whether any state changed.
func (e *Engine) dispatchDue(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := log.WithComponent("timer")
	changed := false

	for i := range e.records {
		rec := &e.records[i]
		if rec.State == StateRecording && !rec.AdjustedEnd().After(now) {
			if err := e.recorder.StopRecording(*rec); err != nil {
				logger.Warn().Err(err).
					Uint32(log.FieldClientIndex, rec.ClientIndex).
					Msg("stop recording failed")
				rec.State = StateError
			} else {
				rec.State = StateCompleted
			}
			metrics.TimerDispatchTotal.WithLabelValues("stop").Inc()
			changed = true
		}
	}
	for i := range e.records {
		rec := &e.records[i]
		if rec.State == StateScheduled && !rec.AdjustedStart().After(now) {
			if err := e.recorder.StartRecording(*rec); err != nil {
				logger.Warn().Err(err).
					Uint32(log.FieldClientIndex, rec.ClientIndex).
					Msg("start recording failed")
				rec.State = StateError
			} else {
				rec.State = StateRecording
			}
			metrics.TimerDispatchTotal.WithLabelValues("start").Inc()
			changed = true
		}
	}

	if changed {
		e.persistLocked()
	}
	return changed
}

func (e *Engine) persistLocked() {
	if e.cachePath == "" {
		return
	}
	if err := saveRecords(e.cachePath, e.records); err != nil {
		timerLogger := log.WithComponent("timer")
		timerLogger.Warn().Err(err).Msg("persist timer set failed")
	}
}
