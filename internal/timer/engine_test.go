package timer

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recorderStub struct {
	mu       sync.Mutex
	events   []string
	started  chan Record
	stopped  chan Record
	startErr error
}

func newRecorderStub() *recorderStub {
	return &recorderStub{
		started: make(chan Record, 8),
		stopped: make(chan Record, 8),
	}
}

func (r *recorderStub) StartRecording(rec Record) error {
	r.mu.Lock()
	r.events = append(r.events, "start:"+rec.Title)
	r.mu.Unlock()
	r.started <- rec
	return r.startErr
}

func (r *recorderStub) StopRecording(rec Record) error {
	r.mu.Lock()
	r.events = append(r.events, "stop:"+rec.Title)
	r.mu.Unlock()
	r.stopped <- rec
	return nil
}

func (r *recorderStub) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func waitRecord(t *testing.T, ch chan Record, timeout time.Duration) Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(timeout):
		t.Fatal("timed out waiting for recorder dispatch")
		return Record{}
	}
}

func findRecord(t *testing.T, e *Engine, clientIndex uint32) Record {
	t.Helper()
	for _, rec := range e.List() {
		if rec.ClientIndex == clientIndex {
			return rec
		}
	}
	t.Fatalf("client index %d not in timer set", clientIndex)
	return Record{}
}

func TestEngine_DispatchesStartAndStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorderStub()
	e, err := New(rec, "", nil)
	require.NoError(t, err)
	defer e.Stop(2 * time.Second)

	now := time.Now()
	idx, err := e.Add(Record{
		ChannelID: 7,
		Start:     now.Add(50 * time.Millisecond),
		End:       now.Add(150 * time.Millisecond),
		Title:     "news",
	})
	require.NoError(t, err)

	started := waitRecord(t, rec.started, 2*time.Second)
	assert.Equal(t, idx, started.ClientIndex)
	assert.Equal(t, StateRecording, findRecord(t, e, idx).State)

	stopped := waitRecord(t, rec.stopped, 2*time.Second)
	assert.Equal(t, idx, stopped.ClientIndex)
	assert.Equal(t, StateCompleted, findRecord(t, e, idx).State)

	assert.Equal(t, []string{"start:news", "stop:news"}, rec.eventLog())
}

func TestEngine_DeleteWhileRecording(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorderStub()
	e, err := New(rec, "", nil)
	require.NoError(t, err)
	defer e.Stop(2 * time.Second)

	now := time.Now()
	idx, err := e.Add(Record{
		ChannelID: 1,
		Start:     now.Add(-time.Second),
		End:       now.Add(time.Hour),
		Title:     "movie",
	})
	require.NoError(t, err)
	waitRecord(t, rec.started, 2*time.Second)

	err = e.Delete(idx, false)
	assert.ErrorIs(t, err, ErrRecordingRunning)

	require.NoError(t, e.Delete(idx, true))
	waitRecord(t, rec.stopped, 2*time.Second)

	for _, r := range e.List() {
		assert.NotEqual(t, idx, r.ClientIndex)
	}
}

func TestEngine_AddRejectsInvertedInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e, err := New(newRecorderStub(), "", nil)
	require.NoError(t, err)
	defer e.Stop(2 * time.Second)

	now := time.Now()
	_, err = e.Add(Record{Start: now.Add(time.Hour), End: now})
	assert.ErrorIs(t, err, ErrInvalidTimer)
}

func TestEngine_DeleteUnknownIndex(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e, err := New(newRecorderStub(), "", nil)
	require.NoError(t, err)
	defer e.Stop(2 * time.Second)

	assert.ErrorIs(t, e.Delete(42, false), ErrInvalidTimer)
}

func TestEngine_ListOrderTieBreaksOnClientIndex(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e, err := New(newRecorderStub(), "", nil)
	require.NoError(t, err)
	defer e.Stop(2 * time.Second)

	start := time.Now().Add(time.Hour)
	end := start.Add(time.Hour)
	first, err := e.Add(Record{Start: start, End: end, Title: "a"})
	require.NoError(t, err)
	second, err := e.Add(Record{Start: start, End: end, Title: "b"})
	require.NoError(t, err)
	require.Greater(t, second, first)

	list := e.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ClientIndex)
	assert.Equal(t, second, list[1].ClientIndex)
}

func TestEngine_ChangeNotification(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	changed := make(chan struct{}, 8)
	e, err := New(newRecorderStub(), "", func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer e.Stop(2 * time.Second)

	now := time.Now()
	_, err = e.Add(Record{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("no change notification after Add")
	}
}

func TestEngine_RestartDowngradesRecordingToAborted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "timers.bin")
	rec := newRecorderStub()

	e, err := New(rec, path, nil)
	require.NoError(t, err)

	now := time.Now()
	idx, err := e.Add(Record{
		ChannelID: 3,
		Start:     now.Add(-time.Second),
		End:       now.Add(time.Hour),
		Title:     "late show",
	})
	require.NoError(t, err)
	waitRecord(t, rec.started, 2*time.Second)
	require.True(t, e.Stop(2*time.Second))

	e2, err := New(newRecorderStub(), path, nil)
	require.NoError(t, err)
	defer e2.Stop(2 * time.Second)

	reloaded := findRecord(t, e2, idx)
	assert.Equal(t, StateAborted, reloaded.State)
	assert.Equal(t, "late show", reloaded.Title)
	assert.Equal(t, uint32(3), reloaded.ChannelID)

	// New client indices must not collide with reloaded ones.
	next, err := e2.Add(Record{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Greater(t, next, idx)
}
