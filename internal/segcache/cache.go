package segcache

import (
	"sync"

	"github.com/countersvk/pvr.puzzle.tv/internal/metrics"
	"github.com/countersvk/pvr.puzzle.tv/internal/playlist"
)

// Cache is the Segment Cache: an ordered mapping from media index to
// mutable segment, plus the window and consumer-position bookkeeping.
// Segment indices are allocated contiguously, so the window is
// represented as [windowStartIndex, windowEndIndex] plus a map for O(1)
// lookup rather than a separate ordered container. Eviction and seeks can
// remove entries inside that range, so lookups tolerate missing indices.
//
// Lock order: a caller may hold Cache.mu while calling MutableSegment
// methods (they take the segment's own append lock), but must never call
// back into Cache while holding a segment lock.
type Cache struct {
	mu sync.Mutex

	capacitySegments int
	seekForVOD       bool
	indexOffset      int64

	segments         map[int64]*MutableSegment
	windowStartIndex int64
	windowEndIndex   int64 // -1 when empty
	currentReadIndex int64
	positionBytes    int64
	cursorTime       float64 // running sum of segment durations, for StartTime

	isVOD          bool
	haveInitial    bool
	initialIndex   int64
	targetDuration float64

	consecutiveReloadFailures int
	stopped                   bool

	changeCh chan struct{}
}

// NewCache constructs an empty Cache. indexOffset lets a buffer switching
// streams continue external indexing from where the previous stream left
// off.
func NewCache(capacitySegments int, seekForVOD bool, indexOffset int64) *Cache {
	if capacitySegments < 1 {
		capacitySegments = 1
	}
	return &Cache{
		capacitySegments: capacitySegments,
		seekForVOD:       seekForVOD,
		indexOffset:      indexOffset,
		segments:         make(map[int64]*MutableSegment),
		windowEndIndex:   -1,
		changeCh:         make(chan struct{}),
	}
}

// Changed returns a channel that is closed the next time cache state
// relevant to a waiting consumer or refresh loop changes. Callers select
// on it alongside a timeout; this is the idiomatic-Go substitute for a
// condition variable with a timed wait.
func (c *Cache) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changeCh
}

func (c *Cache) notifyLocked() {
	close(c.changeCh)
	c.changeCh = make(chan struct{})
}

// Open folds the first parse result into an empty cache, establishing
// whether the stream is VOD and the initial internal-index offset.
func (c *Cache) Open(result playlist.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetDuration = result.Info.TargetDuration
	c.isVOD = result.Info.IsVOD
	return c.foldLocked(result.Segments)
}

// ReloadPlaylist folds a fresh parse into the existing window: new
// indices are appended as Initialized, obsolete indices are trimmed from
// the head if the stream is live. A non-monotone fold
// counts as a reload failure; it only returns an error once two
// consecutive reloads have failed.
func (c *Cache) ReloadPlaylist(result playlist.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result.Info.IsVOD {
		c.isVOD = true
	}
	if result.Info.TargetDuration > 0 {
		c.targetDuration = result.Info.TargetDuration
	}

	if err := c.foldLocked(result.Segments); err != nil {
		c.consecutiveReloadFailures++
		if c.consecutiveReloadFailures >= 2 {
			return err
		}
		return nil
	}
	c.consecutiveReloadFailures = 0
	return nil
}

// RecordReloadFailure is called by the refresh loop when the underlying
// fetch+parse itself failed (as opposed to a fold rejected by
// ReloadPlaylist). It reports whether the failure should be treated as
// fatal, per the "twice consecutively" rule.
func (c *Cache) RecordReloadFailure() (fatal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveReloadFailures++
	return c.consecutiveReloadFailures >= 2
}

// foldLocked appends new external indices from segs (already sorted
// ascending by InternalIndex, per the parser's contract) and evicts stale
// head entries. Returns ErrNonMonotoneRefresh if a new index is neither
// a duplicate of an already-known index nor the immediate successor of
// the current window tail.
func (c *Cache) foldLocked(segs []playlist.Segment) error {
	for _, s := range segs {
		if !c.haveInitial {
			c.initialIndex = s.InternalIndex
			c.haveInitial = true
		}
		external := c.indexOffset + s.InternalIndex - c.initialIndex
		wasEmpty := c.windowEndIndex == -1

		if !wasEmpty && external <= c.windowEndIndex {
			continue // already emitted in a prior refresh
		}
		if !wasEmpty && external != c.windowEndIndex+1 {
			return ErrNonMonotoneRefresh
		}

		seg := NewMutableSegment(external, s.URL, s.HeaderSuffix, s.Duration, c.cursorTime)
		c.cursorTime += s.Duration
		c.segments[external] = seg
		c.windowEndIndex = external
		if wasEmpty {
			c.windowStartIndex = external
			c.currentReadIndex = external
		}
	}
	c.evictLocked()
	c.notifyLocked()
	return nil
}

// boundedLocked reports whether the capacity limit applies: live
// streams are always bounded, VOD only when seekForVOD is false.
func (c *Cache) boundedLocked() bool {
	return !c.isVOD || !c.seekForVOD
}

// residentCountLocked counts segments that hold (or are acquiring) a
// byte buffer. Initialized entries are descriptors, not residents.
func (c *Cache) residentCountLocked() int {
	n := 0
	for _, seg := range c.segments {
		if st := seg.Status(); st == StatusLoading || st == StatusReady {
			n++
		}
	}
	return n
}

// evictOneLocked removes the lowest-indexed segment strictly behind the
// consumer that is not Loading, reporting whether anything was evicted.
func (c *Cache) evictOneLocked() bool {
	for i := c.windowStartIndex; i < c.currentReadIndex; i++ {
		seg, ok := c.segments[i]
		if !ok {
			continue
		}
		if seg.Status() == StatusLoading {
			continue
		}
		delete(c.segments, i)
		metrics.SegmentsEvictedTotal.Inc()
		c.advanceWindowStartLocked()
		return true
	}
	return false
}

func (c *Cache) advanceWindowStartLocked() {
	for c.windowStartIndex < c.currentReadIndex {
		if _, ok := c.segments[c.windowStartIndex]; ok {
			break
		}
		c.windowStartIndex++
	}
}

// evictLocked trims residents behind the consumer while over capacity.
func (c *Cache) evictLocked() {
	if !c.boundedLocked() {
		return
	}
	for c.residentCountLocked() > c.capacitySegments {
		if !c.evictOneLocked() {
			break
		}
	}
}

// PeekSegmentToFill returns the lowest-indexed Initialized segment
// without transitioning it, or false if none exist.
func (c *Cache) PeekSegmentToFill() (*MutableSegment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.windowStartIndex; i <= c.windowEndIndex; i++ {
		seg, ok := c.segments[i]
		if ok && seg.Status() == StatusInitialized {
			return seg, true
		}
	}
	return nil, false
}

// StartLoading transitions seg from Initialized to Loading. It reports
// false if a seek discarded or replaced seg in the meantime.
func (c *Cache) StartLoading(seg *MutableSegment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segments[seg.Index] != seg || seg.Status() != StatusInitialized {
		return false
	}
	seg.status = StatusLoading
	return true
}

// NextSegmentToFill returns the lowest-indexed Initialized segment,
// transitioning it to Loading, or false if none exist.
func (c *Cache) NextSegmentToFill() (*MutableSegment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.windowStartIndex; i <= c.windowEndIndex; i++ {
		seg, ok := c.segments[i]
		if ok && seg.Status() == StatusInitialized {
			seg.status = StatusLoading
			return seg, true
		}
	}
	return nil, false
}

// HasSpaceForNewSegment reports whether loading the segment at forIndex
// would stay within capacity, evicting residents behind the consumer
// first if needed. While the head is pinned by the consumer this keeps
// returning false, propagating back-pressure to the refresh loop.
func (c *Cache) HasSpaceForNewSegment(forIndex int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seg, ok := c.segments[forIndex]; ok {
		if st := seg.Status(); st == StatusLoading || st == StatusReady {
			return true
		}
	}
	if !c.boundedLocked() {
		return true
	}
	for c.residentCountLocked() >= c.capacitySegments {
		if !c.evictOneLocked() {
			break
		}
	}
	return c.residentCountLocked() < c.capacitySegments
}

// RequeueFailed resets any Failed segment back to Initialized so the
// next fill cycle retries it.
func (c *Cache) RequeueFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, seg := range c.segments {
		if seg.Status() == StatusFailed {
			seg.status = StatusInitialized
			changed = true
		}
	}
	if changed {
		c.notifyLocked()
	}
}

// MarkReady publishes seg's bytes to readers.
func (c *Cache) MarkReady(seg *MutableSegment) {
	c.mu.Lock()
	seg.status = StatusReady
	c.evictLocked()
	c.notifyLocked()
	c.mu.Unlock()
	metrics.SegmentsReady.Set(float64(c.readyCount()))
}

// MarkCanceled transitions seg to Canceled; it is eligible for eviction
// and never transitions back.
func (c *Cache) MarkCanceled(seg *MutableSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg.status = StatusCanceled
	c.evictLocked()
	c.notifyLocked()
}

// MarkFailed transitions seg to Failed.
func (c *Cache) MarkFailed(seg *MutableSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg.status = StatusFailed
	c.evictLocked()
	c.notifyLocked()
}

func (c *Cache) readyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, seg := range c.segments {
		if seg.Status() == StatusReady {
			n++
		}
	}
	return n
}

// NextSegmentForRead returns the Ready segment at currentReadIndex, or a
// status explaining why there is none.
func (c *Cache) NextSegmentForRead() (*MutableSegment, ReadStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg, ok := c.segments[c.currentReadIndex]
	if ok {
		switch seg.Status() {
		case StatusReady:
			return seg, ReadStatusReady
		default:
			return nil, ReadStatusLoading
		}
	}
	if c.isVOD && c.currentReadIndex > c.windowEndIndex {
		return nil, ReadStatusEOF
	}
	return nil, ReadStatusCacheEmpty
}

// AdvanceRead records that the consumer drained n bytes from seg, and
// advances currentReadIndex once seg is fully drained.
func (c *Cache) AdvanceRead(seg *MutableSegment, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seg.AdvanceReadCursor(n)
	c.positionBytes += int64(n)
	if seg.Status() == StatusReady && int64(seg.ReadCursor()) >= seg.BytesReady() {
		c.currentReadIndex++
		c.evictLocked()
	}
	c.notifyLocked()
}

// CanSeek reports whether PrepareForPosition is currently valid.
func (c *Cache) CanSeek() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSeekLocked()
}

func (c *Cache) canSeekLocked() bool {
	if c.isVOD {
		return true
	}
	if !c.seekForVOD {
		return false
	}
	for _, seg := range c.segments {
		if seg.Status() == StatusReady {
			return true
		}
	}
	return false
}

// LengthBytes returns the sum of bytes_ready over Ready segments in the
// window.
func (c *Cache) LengthBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for i := c.windowStartIndex; i <= c.windowEndIndex; i++ {
		if seg, ok := c.segments[i]; ok && seg.Status() == StatusReady {
			total += seg.BytesReady()
		}
	}
	return total
}

// PositionBytes returns the consumer's current virtual offset.
func (c *Cache) PositionBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionBytes
}

// PrepareForPosition clamps bytePos to [0, length_bytes], recomputes
// currentReadIndex and segment read cursors, and discards
// Initialized/Failed segments left behind by the jump.
func (c *Cache) PrepareForPosition(bytePos int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canSeekLocked() {
		return 0, ErrNotSeekable
	}

	if bytePos < 0 {
		bytePos = 0
	}

	var cumulative int64
	newIndex := c.windowEndIndex + 1
	newCursor := 0
	found := false
	for i := c.windowStartIndex; i <= c.windowEndIndex; i++ {
		seg, ok := c.segments[i]
		if !ok || seg.Status() != StatusReady {
			continue
		}
		if bytePos < cumulative+seg.BytesReady() {
			newIndex = i
			newCursor = int(bytePos - cumulative)
			found = true
			break
		}
		cumulative += seg.BytesReady()
	}
	if !found {
		// bytePos clamps to the end of all downloaded content.
		bytePos = cumulative
	}

	for i := c.windowStartIndex; i < newIndex; i++ {
		seg, ok := c.segments[i]
		if !ok {
			continue
		}
		if seg.Status() == StatusInitialized || seg.Status() == StatusFailed {
			delete(c.segments, i)
		}
	}
	for c.windowStartIndex < newIndex {
		if _, ok := c.segments[c.windowStartIndex]; !ok {
			c.windowStartIndex++
			continue
		}
		break
	}

	c.currentReadIndex = newIndex
	if seg, ok := c.segments[newIndex]; ok {
		seg.readCursor = newCursor
	}
	c.positionBytes = bytePos
	c.notifyLocked()
	return newIndex, nil
}

// WindowEndIndex returns the highest external index ever added, used by
// switch_stream to preserve index continuity across streams.
func (c *Cache) WindowEndIndex() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowEndIndex
}

// Stop marks the cache as shutting down and wakes every waiter.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.notifyLocked()
}

// Stopped reports whether Stop has been called.
func (c *Cache) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// IsVOD reports the playlist's VOD/live flag as last observed.
func (c *Cache) IsVOD() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isVOD
}

// TargetDuration returns the playlist's target segment duration in
// seconds, used by the refresh loop to pace reloads.
func (c *Cache) TargetDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetDuration
}
