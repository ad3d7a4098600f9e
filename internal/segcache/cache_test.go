package segcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countersvk/pvr.puzzle.tv/internal/playlist"
)

func mediaResult(isVOD bool, first int64, durations ...float64) playlist.Result {
	segs := make([]playlist.Segment, len(durations))
	for i, d := range durations {
		segs[i] = playlist.Segment{
			URL:           "http://origin/seg.ts",
			InternalIndex: first + int64(i),
			Duration:      d,
		}
	}
	return playlist.Result{
		Info:     playlist.Info{TargetDuration: 6, IsVOD: isVOD, MediaSequence: first},
		Segments: segs,
	}
}

func fillReady(t *testing.T, c *Cache, payload []byte) *MutableSegment {
	t.Helper()
	seg, ok := c.NextSegmentToFill()
	require.True(t, ok)
	seg.AppendBytes(payload)
	c.MarkReady(seg)
	return seg
}

func TestCache_FillOrderIsAscending(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(true, 100, 10, 10, 10)))

	for want := int64(0); want < 3; want++ {
		seg, ok := c.NextSegmentToFill()
		require.True(t, ok)
		assert.Equal(t, want, seg.Index)
		assert.Equal(t, StatusLoading, seg.Status())
	}
	_, ok := c.NextSegmentToFill()
	assert.False(t, ok)
}

func TestCache_ReadDrainsSegmentsInOrder(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(true, 0, 10, 10)))

	fillReady(t, c, []byte("AAAAAAAAAA"))
	fillReady(t, c, []byte("BBBBBBBBBB"))
	assert.Equal(t, int64(20), c.LengthBytes())

	var out []byte
	for {
		seg, status := c.NextSegmentForRead()
		if status == ReadStatusEOF {
			break
		}
		require.Equal(t, ReadStatusReady, status)
		buf := make([]byte, 4)
		n := seg.CopyFrom(seg.ReadCursor(), buf)
		require.Greater(t, n, 0)
		out = append(out, buf[:n]...)
		c.AdvanceRead(seg, n)
	}
	assert.Equal(t, "AAAAAAAAAABBBBBBBBBB", string(out))
	assert.Equal(t, int64(20), c.PositionBytes())
}

func TestCache_EOFOnlyForVOD(t *testing.T) {
	live := NewCache(10, false, 0)
	require.NoError(t, live.Open(mediaResult(false, 0, 10)))
	fillReady(t, live, []byte("AAAAAAAAAA"))
	seg, _ := live.NextSegmentForRead()
	live.AdvanceRead(seg, 10)

	_, status := live.NextSegmentForRead()
	assert.Equal(t, ReadStatusCacheEmpty, status)

	vod := NewCache(10, false, 0)
	require.NoError(t, vod.Open(mediaResult(true, 0, 10)))
	fillReady(t, vod, []byte("AAAAAAAAAA"))
	seg, _ = vod.NextSegmentForRead()
	vod.AdvanceRead(seg, 10)

	_, status = vod.NextSegmentForRead()
	assert.Equal(t, ReadStatusEOF, status)
}

func TestCache_LiveEvictionBehindConsumer(t *testing.T) {
	c := NewCache(2, false, 0)
	require.NoError(t, c.Open(mediaResult(false, 100, 6, 6)))

	fillReady(t, c, []byte("AAAAAAAAAA"))
	fillReady(t, c, []byte("BBBBBBBBBB"))

	// Consumer still at index 0: the head is pinned, no space for a third.
	assert.False(t, c.HasSpaceForNewSegment(2))

	seg, status := c.NextSegmentForRead()
	require.Equal(t, ReadStatusReady, status)
	c.AdvanceRead(seg, 10)

	// Consumer moved past index 0; a refresh may now append index 2.
	require.NoError(t, c.ReloadPlaylist(mediaResult(false, 101, 6, 6)))
	assert.True(t, c.HasSpaceForNewSegment(2))
}

func TestCache_ReloadAppendsOnlyNewIndices(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(false, 100, 6, 6)))

	require.NoError(t, c.ReloadPlaylist(mediaResult(false, 101, 6, 6, 6)))

	var indices []int64
	for {
		seg, ok := c.NextSegmentToFill()
		if !ok {
			break
		}
		indices = append(indices, seg.Index)
	}
	assert.Equal(t, []int64{0, 1, 2, 3}, indices)
}

func TestCache_ReloadSamePlaylistIsIdempotent(t *testing.T) {
	c := NewCache(10, false, 0)
	res := mediaResult(false, 100, 6, 6)
	require.NoError(t, c.Open(res))
	end := c.WindowEndIndex()

	require.NoError(t, c.ReloadPlaylist(res))
	require.NoError(t, c.ReloadPlaylist(res))
	assert.Equal(t, end, c.WindowEndIndex())
}

func TestCache_NonMonotoneReloadFailsOnSecondAttempt(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(false, 100, 6, 6)))

	// A refresh that skips an index is rejected but tolerated once.
	require.NoError(t, c.ReloadPlaylist(mediaResult(false, 105, 6)))
	err := c.ReloadPlaylist(mediaResult(false, 105, 6))
	assert.ErrorIs(t, err, ErrNonMonotoneRefresh)
}

func TestCache_RecordReloadFailureFatalAfterTwo(t *testing.T) {
	c := NewCache(10, false, 0)
	assert.False(t, c.RecordReloadFailure())
	assert.True(t, c.RecordReloadFailure())
}

func TestCache_CanSeek(t *testing.T) {
	vod := NewCache(10, false, 0)
	require.NoError(t, vod.Open(mediaResult(true, 0, 10)))
	assert.True(t, vod.CanSeek())

	live := NewCache(10, false, 0)
	require.NoError(t, live.Open(mediaResult(false, 0, 10)))
	assert.False(t, live.CanSeek())

	timeshift := NewCache(10, true, 0)
	require.NoError(t, timeshift.Open(mediaResult(false, 0, 10)))
	assert.False(t, timeshift.CanSeek())
	fillReady(t, timeshift, []byte("AAAAAAAAAA"))
	assert.True(t, timeshift.CanSeek())
}

func TestCache_PrepareForPosition(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(true, 0, 10, 10, 10)))
	fillReady(t, c, []byte("AAAAAAAAAA"))
	fillReady(t, c, []byte("BBBBBBBBBB"))
	fillReady(t, c, []byte("CCCCCCCCCC"))

	idx, err := c.PrepareForPosition(15)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx)
	assert.Equal(t, int64(15), c.PositionBytes())

	seg, status := c.NextSegmentForRead()
	require.Equal(t, ReadStatusReady, status)
	buf := make([]byte, 5)
	n := seg.CopyFrom(seg.ReadCursor(), buf)
	assert.Equal(t, "BBBBB", string(buf[:n]))
}

func TestCache_PrepareForPositionClampsPastEnd(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(true, 0, 10)))
	fillReady(t, c, []byte("AAAAAAAAAA"))

	idx, err := c.PrepareForPosition(999)
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx)
	assert.Equal(t, int64(10), c.PositionBytes())

	_, status := c.NextSegmentForRead()
	assert.Equal(t, ReadStatusEOF, status)
}

func TestCache_PrepareForPositionRejectedWhenNotSeekable(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(false, 0, 10)))

	_, err := c.PrepareForPosition(0)
	assert.ErrorIs(t, err, ErrNotSeekable)
}

func TestCache_IndexOffsetContinuesExternalIndexing(t *testing.T) {
	c := NewCache(10, false, 5)
	require.NoError(t, c.Open(mediaResult(false, 100, 6)))

	seg, ok := c.NextSegmentToFill()
	require.True(t, ok)
	assert.Equal(t, int64(5), seg.Index)
}

func TestCache_RequeueFailed(t *testing.T) {
	c := NewCache(10, false, 0)
	require.NoError(t, c.Open(mediaResult(false, 0, 6)))

	seg, ok := c.NextSegmentToFill()
	require.True(t, ok)
	c.MarkFailed(seg)

	_, ok = c.NextSegmentToFill()
	require.False(t, ok)

	c.RequeueFailed()
	again, ok := c.NextSegmentToFill()
	require.True(t, ok)
	assert.Equal(t, seg.Index, again.Index)
}
