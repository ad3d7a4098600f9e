package segcache

import (
	"sync"
	"sync/atomic"
)

// MutableSegment is one cache entry: an immutable descriptor plus the
// growing byte buffer a downloader fills in.
//
// Status and ReadCursor are mutated only by the owning Cache while
// holding its mutex. Buf/BytesReady are mutated by AppendBytes under the
// segment's own append lock so streaming bytes in never blocks cache-wide
// operations.
type MutableSegment struct {
	Index        int64
	URL          string
	HeaderSuffix string
	Duration     float64
	StartTime    float64

	status     Status
	readCursor int

	appendMu   sync.Mutex
	buf        []byte
	bytesReady int64
}

// NewMutableSegment constructs a segment in the Initialized state.
func NewMutableSegment(index int64, url, headerSuffix string, duration, startTime float64) *MutableSegment {
	return &MutableSegment{
		Index:        index,
		URL:          url,
		HeaderSuffix: headerSuffix,
		Duration:     duration,
		StartTime:    startTime,
		status:       StatusInitialized,
	}
}

// AppendBytes grows the segment's buffer. Never called after the segment
// transitions to Ready.
func (s *MutableSegment) AppendBytes(p []byte) {
	if len(p) == 0 {
		return
	}
	s.appendMu.Lock()
	s.buf = append(s.buf, p...)
	atomic.StoreInt64(&s.bytesReady, int64(len(s.buf)))
	s.appendMu.Unlock()
}

// BytesReady returns the number of bytes currently appended.
func (s *MutableSegment) BytesReady() int64 {
	return atomic.LoadInt64(&s.bytesReady)
}

// CopyFrom copies bytes starting at byte offset cursor into dst, returning
// the number of bytes copied.
func (s *MutableSegment) CopyFrom(cursor int, dst []byte) int {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if cursor < 0 || cursor >= len(s.buf) {
		return 0
	}
	return copy(dst, s.buf[cursor:])
}

// Status returns the segment's current lifecycle state.
func (s *MutableSegment) Status() Status { return s.status }

// ReadCursor returns how many bytes of this segment the consumer has
// already drained.
func (s *MutableSegment) ReadCursor() int { return s.readCursor }

// AdvanceReadCursor moves the read cursor forward by n bytes.
func (s *MutableSegment) AdvanceReadCursor(n int) { s.readCursor += n }
