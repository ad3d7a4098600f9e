package streambuffer

import "errors"

var (
	// ErrCancelled classifies an Open/Read interrupted by shutdown or
	// seek invalidation.
	ErrCancelled = errors.New("stream buffer: cancelled")

	// ErrSegmentLoadTimeout classifies a Read that consumed its timeout
	// budget with no Ready segment ever appearing. Read itself does not
	// return this as an error: on timeout it returns the byte count copied
	// so far.
	ErrSegmentLoadTimeout = errors.New("stream buffer: segment load timeout")
)
