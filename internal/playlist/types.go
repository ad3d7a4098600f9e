// Package playlist implements the Playlist Parser: parses a
// master/media playlist in the extended-M3U dialect used by HLS, selects
// the highest-bandwidth variant, and emits ordered segment descriptors.
package playlist

// Segment is one parsed EXTINF/URI pair from a single Parse call. The
// index counts up from this playlist's own EXT-X-MEDIA-SEQUENCE (or from
// 0 if absent); translating it into a stable external media index across
// refreshes is the Segment Cache's responsibility.
type Segment struct {
	URL           string
	HeaderSuffix  string
	InternalIndex int64
	Duration      float64
}

// Info carries the playlist-level flags a media playlist declares.
type Info struct {
	TargetDuration float64
	IsVOD          bool
	MediaSequence  int64
	BaseURL        string
	HeaderSuffix   string
}

// Result is everything one Parse call produces.
type Result struct {
	Info     Info
	Segments []Segment
}
