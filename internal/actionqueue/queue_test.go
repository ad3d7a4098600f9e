package actionqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestQueue_FIFOOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := New("test", 8)
	defer q.Stop(time.Second)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)

	submit := func(name string, delay time.Duration) {
		_ = q.Submit(Action{
			Perform: func() error {
				time.Sleep(delay)
				return nil
			},
		}, func(Result) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
		})
	}

	submit("A", 20*time.Millisecond)
	submit("B", 0)

	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestQueue_PriorityPreemptsBetweenFIFOItems(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := New("test", 8)
	defer q.Stop(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) { mu.Lock(); order = append(order, name); mu.Unlock() }

	aStarted := make(chan struct{})
	doneAll := make(chan struct{}, 3)

	_ = q.Submit(Action{
		Perform: func() error {
			close(aStarted)
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}, func(Result) { record("A"); doneAll <- struct{}{} })

	_ = q.Submit(Action{
		Perform: func() error { return nil },
	}, func(Result) { record("B"); doneAll <- struct{}{} })

	<-aStarted
	require.NoError(t, q.SubmitPriority(Action{
		Perform: func() error { return nil },
	}, func(Result) { record("P"); doneAll <- struct{}{} }))

	<-doneAll
	<-doneAll
	<-doneAll

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "P", "B"}, order)
}

func TestQueue_SubmitFailsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := New("test", 1)
	defer q.Stop(time.Second)

	block := make(chan struct{})
	_ = q.Submit(Action{Perform: func() error { <-block; return nil }}, nil)
	err := q.Submit(Action{Perform: func() error { return nil }}, nil)
	require.NoError(t, err)
	err = q.Submit(Action{Perform: func() error { return nil }}, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	close(block)
}

func TestQueue_StopCancelsRemainingFIFO(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := New("test", 8)

	block := make(chan struct{})
	results := make(chan Result, 2)

	_ = q.Submit(Action{Perform: func() error { <-block; return nil }}, func(r Result) { results <- r })
	_ = q.Submit(Action{
		Perform: func() error { return nil },
		Cancel:  func() {},
	}, func(r Result) { results <- r })

	ok := make(chan bool, 1)
	go func() { ok <- q.Stop(2 * time.Second) }()

	close(block)
	require.True(t, <-ok)

	r1 := <-results
	r2 := <-results
	assert.Equal(t, StatusCompleted, r1.Status)
	assert.Equal(t, StatusCanceled, r2.Status)
}

func TestQueue_ActionPanicBecomesFailed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := New("test", 8)
	defer q.Stop(time.Second)

	results := make(chan Result, 1)
	_ = q.Submit(Action{
		Perform: func() error { panic("boom") },
	}, func(r Result) { results <- r })

	r := <-results
	assert.Equal(t, StatusFailed, r.Status)
	assert.Error(t, r.Err)
}
