package actionqueue

import "errors"

var (
	// ErrQueueFull classifies a Submit rejected because the FIFO backlog
	// reached its configured limit.
	ErrQueueFull = errors.New("action queue full")

	// ErrQueueStopped classifies a Submit/SubmitPriority rejected because
	// the queue has begun stopping.
	ErrQueueStopped = errors.New("action queue stopped")

	// ErrQueueTooManyPriority classifies a non-blocking TrySubmitPriority
	// call made while the single priority slot is already occupied.
	ErrQueueTooManyPriority = errors.New("action queue priority slot occupied")
)
