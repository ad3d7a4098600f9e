// Package streambuffer implements the Playlist Buffer: the public
// byte-stream façade that turns a playlist of media segments into a
// seekable, timeshifted stream. It runs the refresh+dispatch loop that
// feeds the Segment Cache via the Segment Downloader, and
// periodically reloads the playlist via the Playlist Parser.
package streambuffer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/countersvk/pvr.puzzle.tv/internal/downloader"
	"github.com/countersvk/pvr.puzzle.tv/internal/log"
	"github.com/countersvk/pvr.puzzle.tv/internal/playlist"
	"github.com/countersvk/pvr.puzzle.tv/internal/segcache"
	"github.com/countersvk/pvr.puzzle.tv/internal/speedometer"
	"github.com/countersvk/pvr.puzzle.tv/internal/workerpool"
)

// Options configures a Buffer beyond what the Delegate supplies.
type Options struct {
	HTTPClient  *http.Client // defaults to a client with a 15s timeout
	NHLSThreads int          // worker pool size; defaults to 1
	Fetcher     playlist.Fetcher
}

// Buffer is the Playlist Buffer.
type Buffer struct {
	id         string
	delegate   Delegate
	seekForVOD bool
	nThreads   int

	sourceURL string
	parser    *playlist.Parser
	pool      *workerpool.Pool
	dl        *downloader.Downloader
	cache     *segcache.Cache
	speed     *speedometer.Speedometer
	client    *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  atomic.Bool

	wg sync.WaitGroup

	curMu  sync.Mutex
	curSeg *segcache.MutableSegment

	seekMu          sync.Mutex
	seekGeneration  int64
	seekExemptIndex int64

	lastRefresh time.Time

	pingMu       sync.Mutex
	pingLimiters map[string]*rate.Limiter

	fatalOnce sync.Once
	fatalMu   sync.Mutex
	fatalErr  error
}

// Open parses sourceURL once (synchronously selecting the highest
// bandwidth variant), initializes the cache, and starts the refresh loop.
func Open(ctx context.Context, sourceURL string, delegate Delegate, seekForVOD bool, opts Options) (*Buffer, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	nThreads := opts.NHLSThreads
	if nThreads < 1 {
		nThreads = 1
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = playlist.NewHTTPFetcher(client)
	}

	id := uuid.NewString()
	bctx := log.ContextWithBufferID(ctx, id)

	parser := playlist.NewParser(fetcher)
	result, err := parser.Parse(bctx, sourceURL)
	if err != nil {
		return nil, err
	}

	cache := segcache.NewCache(delegate.SegmentsToCache(), seekForVOD, 0)
	if err := cache.Open(result); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(bctx)
	pool := workerpool.New(nThreads)
	speed := speedometer.New(0)

	b := &Buffer{
		id:              id,
		delegate:        delegate,
		seekForVOD:      seekForVOD,
		nThreads:        nThreads,
		sourceURL:       sourceURL,
		parser:          parser,
		pool:            pool,
		dl:              downloader.New(client, pool, speed),
		cache:           cache,
		speed:           speed,
		client:          client,
		ctx:             runCtx,
		cancel:          cancel,
		stopCh:          make(chan struct{}),
		lastRefresh:     time.Now(),
		pingLimiters:    make(map[string]*rate.Limiter),
		seekExemptIndex: -1,
	}

	sbLogger := log.WithComponent("streambuffer")
	sbLogger.Info().
		Str(log.FieldBufferID, id).
		Str(log.FieldURL, sourceURL).
		Msg("playlist buffer opened")

	b.wg.Add(1)
	go b.refreshLoop()
	return b, nil
}

// Read blocks until buf is full, the timeout elapses, or the stream ends
// or is aborted. It returns the bytes copied so far (possibly fewer than
// len(buf)), or -1 when the stream ended or was aborted before any byte
// was copied.
func (b *Buffer) Read(buf []byte, timeout time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(timeout)
	total := 0

	for total < len(buf) {
		seg := b.currentSegment()
		if seg == nil {
			newSeg, status := b.cache.NextSegmentForRead()
			switch status {
			case segcache.ReadStatusReady:
				b.setCurrentSegment(newSeg)
				continue
			case segcache.ReadStatusEOF:
				if total > 0 {
					return total, nil
				}
				return -1, nil
			default: // Loading or CacheEmpty
				if b.stopped.Load() {
					if total > 0 {
						return total, nil
					}
					return -1, nil
				}
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return total, nil
				}
				b.waitChanged(remaining)
				if b.stopped.Load() && total == 0 {
					return -1, nil
				}
				continue
			}
		}

		n := seg.CopyFrom(seg.ReadCursor(), buf[total:])
		if n > 0 {
			b.cache.AdvanceRead(seg, n)
			total += n
			if int64(seg.ReadCursor()) >= seg.BytesReady() && seg.Status() == segcache.StatusReady {
				b.setCurrentSegment(nil)
			}
			continue
		}

		// Segment exists but no further bytes have arrived yet.
		if seg.Status() != segcache.StatusReady {
			b.setCurrentSegment(nil)
			continue
		}
		if b.stopped.Load() {
			if total > 0 {
				return total, nil
			}
			return -1, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return total, nil
		}
		b.waitChanged(remaining)
	}
	return total, nil
}

func (b *Buffer) waitChanged(timeout time.Duration) {
	ch := b.cache.Changed()
	select {
	case <-ch:
	case <-time.After(timeout):
	case <-b.stopCh:
	}
}

func (b *Buffer) currentSegment() *segcache.MutableSegment {
	b.curMu.Lock()
	defer b.curMu.Unlock()
	return b.curSeg
}

func (b *Buffer) setCurrentSegment(seg *segcache.MutableSegment) {
	b.curMu.Lock()
	b.curSeg = seg
	b.curMu.Unlock()
}

// Seek repositions the consumer, invalidating in-flight loads whose
// index no longer matches the post-seek current index.
func (b *Buffer) Seek(offset int64, whence int) int64 {
	if !b.cache.CanSeek() {
		return -1
	}
	length := b.cache.LengthBytes()
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = b.cache.PositionBytes() + offset
	case io.SeekEnd:
		target = length + offset
	default:
		return -1
	}
	if target < 0 {
		target = 0
	}
	if target > length {
		target = length
	}

	newIndex, err := b.cache.PrepareForPosition(target)
	if err != nil {
		return -1
	}

	b.seekMu.Lock()
	b.seekGeneration++
	b.seekExemptIndex = newIndex
	b.seekMu.Unlock()

	b.setCurrentSegment(nil)
	return b.cache.PositionBytes()
}

// Length returns the total bytes in the current window.
func (b *Buffer) Length() int64 { return b.cache.LengthBytes() }

// Position returns the current virtual offset, or -1 if not seekable.
func (b *Buffer) Position() int64 {
	if !b.cache.CanSeek() {
		return -1
	}
	return b.cache.PositionBytes()
}

// SwitchStream stops the refresh loop, disposes the cache, and re-opens
// against newURL, preserving index continuity. The byte position resets
// to 0 since index continuity across streams does not define one.
func (b *Buffer) SwitchStream(newURL string) bool {
	lastIndex := b.cache.WindowEndIndex()

	b.stopInternal()
	b.wg.Wait()
	b.pool.Close()

	runCtx, cancel := context.WithCancel(log.ContextWithBufferID(context.Background(), b.id))
	result, err := b.parser.Parse(runCtx, newURL)
	if err != nil {
		cancel()
		return false
	}

	cache := segcache.NewCache(b.delegate.SegmentsToCache(), b.seekForVOD, lastIndex+1)
	if err := cache.Open(result); err != nil {
		cancel()
		return false
	}

	pool := workerpool.New(b.nThreads)
	b.sourceURL = newURL
	b.cache = cache
	b.pool = pool
	b.dl = downloader.New(b.client, pool, b.speed)
	b.ctx = runCtx
	b.cancel = cancel
	b.stopCh = make(chan struct{})
	b.stopOnce = sync.Once{}
	b.stopped.Store(false)
	b.lastRefresh = time.Now()
	b.setCurrentSegment(nil)

	b.seekMu.Lock()
	b.seekExemptIndex = -1
	b.seekMu.Unlock()

	b.wg.Add(1)
	go b.refreshLoop()
	return true
}

// AbortRead stops the refresh loop and wakes any outstanding reader.
func (b *Buffer) AbortRead() {
	b.stopInternal()
	b.cache.Stop()
}

func (b *Buffer) stopInternal() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
		b.cancel()
	})
}

// Close aborts the refresh loop and waits up to timeout for it (and the
// worker pool it owns) to fully drain, returning whether it joined in
// time. The cache and pool remain valid heap objects if the goroutines
// outlive the timeout; Go's GC reclaims them once the detached goroutines
// finish and release their references.
func (b *Buffer) Close(timeout time.Duration) bool {
	b.AbortRead()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		b.pool.Close()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Err returns the error that terminated the refresh loop, if any.
func (b *Buffer) Err() error {
	b.fatalMu.Lock()
	defer b.fatalMu.Unlock()
	return b.fatalErr
}

func (b *Buffer) setFatal(err error) {
	b.fatalOnce.Do(func() {
		b.fatalMu.Lock()
		b.fatalErr = err
		b.fatalMu.Unlock()
		sbLogger := log.WithComponent("streambuffer")
		sbLogger.Error().
			Str(log.FieldBufferID, b.id).
			Err(err).
			Msg("refresh loop terminated fatally")
		b.stopInternal()
		b.cache.Stop()
	})
}

func (b *Buffer) isCanceledFor(segIndex, submitGeneration int64) downloader.IsCanceled {
	return func() bool {
		if b.stopped.Load() {
			return true
		}
		b.seekMu.Lock()
		curGen := b.seekGeneration
		exempt := b.seekExemptIndex
		b.seekMu.Unlock()
		if curGen == submitGeneration {
			return false
		}
		return segIndex != exempt
	}
}

// refreshLoop is the one background goroutine per Buffer: it fills
// segments through the downloader, respects the
// cache's back-pressure, pings the origin while waiting, and reloads the
// playlist on its cadence.
func (b *Buffer) refreshLoop() {
	defer b.wg.Done()
	logger := log.WithComponent("streambuffer").With().Str(log.FieldBufferID, b.id).Logger()

	for {
		if b.stopped.Load() {
			b.pool.WaitIdle()
			return
		}

		seg, ok := b.cache.PeekSegmentToFill()
		if !ok {
			b.cache.RequeueFailed()
			b.maybeReload(logger)
			if b.sleepOrStop(time.Second) {
				return
			}
			continue
		}

		for !b.cache.HasSpaceForNewSegment(seg.Index) {
			b.pingSegmentURL(seg.URL)
			b.maybeReload(logger)
			if b.sleepOrStop(200 * time.Millisecond) {
				return
			}
		}
		if !b.cache.StartLoading(seg) {
			// A seek discarded this fill target while we waited.
			continue
		}

		b.seekMu.Lock()
		gen := b.seekGeneration
		b.seekMu.Unlock()
		b.dl.Submit(b.ctx, b.cache, seg, b.isCanceledFor(seg.Index, gen))

		b.maybeReload(logger)
		if b.sleepOrStop(10 * time.Millisecond) {
			return
		}
	}
}

func (b *Buffer) sleepOrStop(d time.Duration) bool {
	select {
	case <-b.stopCh:
		return true
	case <-time.After(d):
		return false
	}
}

// maybeReload reloads the playlist once target_duration/2 has elapsed
// since the last refresh, terminating the loop fatally on repeated
// failure.
func (b *Buffer) maybeReload(logger zerolog.Logger) {
	if b.cache.IsVOD() {
		// A finite playlist never grows; no reload cadence.
		return
	}
	target := b.cache.TargetDuration()
	if target <= 0 {
		target = 6
	}
	cadence := time.Duration(target/2*1000) * time.Millisecond
	if time.Since(b.lastRefresh) < cadence {
		return
	}
	b.lastRefresh = time.Now()

	result, err := b.parser.Parse(b.ctx, b.sourceURL)
	if err != nil {
		logger.Warn().Err(err).Msg("playlist refresh fetch failed")
		if fatal := b.cache.RecordReloadFailure(); fatal {
			b.setFatal(fmt.Errorf("playlist reload: %w", err))
		}
		return
	}
	if err := b.cache.ReloadPlaylist(result); err != nil {
		b.setFatal(fmt.Errorf("playlist reload: %w", err))
		return
	}
	logger.Debug().Msg("playlist refreshed")
}

// pingSegmentURL issues a best-effort rate-limited HEAD request to keep
// the origin connection warm while the consumer is behind the producer.
func (b *Buffer) pingSegmentURL(segURL string) {
	rawURL, _ := playlist.SplitHeaderSuffix(segURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	limiter := b.limiterFor(u.Host)
	if !limiter.Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (b *Buffer) limiterFor(host string) *rate.Limiter {
	b.pingMu.Lock()
	defer b.pingMu.Unlock()
	l, ok := b.pingLimiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		b.pingLimiters[host] = l
	}
	return l
}
