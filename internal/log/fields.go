package log

// Canonical field name constants for structured logging, so call sites
// never hand-roll a log key.
const (
	FieldComponent = "component"

	FieldBufferID     = "buffer_id"
	FieldSegmentIndex = "segment_index"
	FieldMediaIndex   = "media_index"
	FieldQueueDepth   = "queue_depth"
	FieldTimerID      = "timer_id"
	FieldClientIndex  = "client_index"
	FieldURL          = "url"
	FieldBytesReady   = "bytes_ready"
	FieldStatus       = "status"
)
