package segcache

import "errors"

var (
	// ErrNotSeekable classifies a PrepareForPosition call made while
	// CanSeek() is false.
	ErrNotSeekable = errors.New("segment cache: not seekable")

	// ErrNonMonotoneRefresh classifies a ReloadPlaylist fold whose new
	// indices are not strictly increasing and contiguous with the
	// existing window: treated as
	// malformed rather than silently reordered).
	ErrNonMonotoneRefresh = errors.New("segment cache: non-monotone playlist refresh")
)
