package timer

import "errors"

var (
	// ErrRecordingRunning classifies a non-forced Delete of a timer that
	// is currently recording.
	ErrRecordingRunning = errors.New("timer: recording is running")

	// ErrInvalidTimer classifies an Add with an end before its start, or
	// a Delete of an unknown client index.
	ErrInvalidTimer = errors.New("timer: invalid timer")

	// ErrStopped classifies a mutation attempted after Stop.
	ErrStopped = errors.New("timer: engine stopped")

	// ErrCorruptCache classifies a persistence file whose framing does
	// not decode.
	ErrCorruptCache = errors.New("timer: corrupt persistence file")
)
