// Package speedometer implements the Speedometer: a sliding-window
// byte/time accumulator exposing an informational bytes-per-second figure.
// No correctness elsewhere depends on it.
package speedometer

import (
	"sync"
	"time"

	"github.com/countersvk/pvr.puzzle.tv/internal/metrics"
)

type sample struct {
	bytes int64
	dur   time.Duration
}

// Speedometer accumulates (bytes, duration) samples and prunes the oldest
// ones once the windowed byte total exceeds windowBytes.
type Speedometer struct {
	mu          sync.Mutex
	windowBytes int64
	samples     []sample
	totalBytes  int64
	totalDur    time.Duration
}

// New creates a Speedometer pruned by total byte count within windowBytes.
func New(windowBytes int64) *Speedometer {
	if windowBytes <= 0 {
		windowBytes = 1 << 20 // 1 MiB default window
	}
	return &Speedometer{windowBytes: windowBytes}
}

// Start returns the current time, to be passed to Finish once the
// corresponding transfer completes.
func (s *Speedometer) Start() time.Time {
	return time.Now()
}

// Finish records one sample: n bytes transferred since started.
func (s *Speedometer) Finish(started time.Time, n int64) {
	s.FinishAt(started, time.Now(), n)
}

// FinishAt records one sample with an explicit end time, primarily for
// deterministic tests.
func (s *Speedometer) FinishAt(started, ended time.Time, n int64) {
	if n <= 0 {
		return
	}
	dur := ended.Sub(started)
	if dur < 0 {
		dur = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample{bytes: n, dur: dur})
	s.totalBytes += n
	s.totalDur += dur

	for s.totalBytes > s.windowBytes && len(s.samples) > 1 {
		oldest := s.samples[0]
		s.samples = s.samples[1:]
		s.totalBytes -= oldest.bytes
		s.totalDur -= oldest.dur
	}

	metrics.SpeedometerBPS.Set(s.bpsLocked())
}

// BPS returns total_bytes / total_seconds over the current window.
func (s *Speedometer) BPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpsLocked()
}

func (s *Speedometer) bpsLocked() float64 {
	if s.totalDur <= 0 {
		return 0
	}
	return float64(s.totalBytes) / s.totalDur.Seconds()
}
