// Package downloader implements the Segment Downloader: fetches a
// segment's body over HTTP, transparently following one level of nested
// playlist indirection and optional gzip inflation, and reports the
// outcome back into the Segment Cache.
package downloader

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/countersvk/pvr.puzzle.tv/internal/log"
	"github.com/countersvk/pvr.puzzle.tv/internal/metrics"
	"github.com/countersvk/pvr.puzzle.tv/internal/playlist"
	"github.com/countersvk/pvr.puzzle.tv/internal/segcache"
	"github.com/countersvk/pvr.puzzle.tv/internal/speedometer"
	"github.com/countersvk/pvr.puzzle.tv/internal/workerpool"
)

const chunkSize = 32 * 1024

// gzipMagic is the three-byte prefix identifying a raw gzip stream.
var gzipMagic = [3]byte{0x1F, 0x8B, 0x08}

// IsCanceled is re-evaluated between chunks while streaming a segment
// body. Implementations return true once the buffer is shutting down or
// a seek has invalidated this particular in-flight load.
type IsCanceled func() bool

// Downloader runs segment fetches on a Bounded Worker Pool.
type Downloader struct {
	client *http.Client
	pool   *workerpool.Pool
	speed  *speedometer.Speedometer
}

// New builds a Downloader. client's Timeout should already reflect the
// configured HTTP timeout.
func New(client *http.Client, pool *workerpool.Pool, speed *speedometer.Speedometer) *Downloader {
	return &Downloader{client: client, pool: pool, speed: speed}
}

// Submit enqueues the fetch of seg on the worker pool and reports the
// outcome to cache (Ready, Canceled, or Failed) once it completes. The
// returned future resolves once the segment's terminal status has been
// recorded.
func (d *Downloader) Submit(ctx context.Context, cache *segcache.Cache, seg *segcache.MutableSegment, isCanceled IsCanceled) *workerpool.Future {
	return d.pool.Submit(func() (interface{}, error) {
		ready, err := d.fetch(ctx, seg, isCanceled)
		switch {
		case isCanceled():
			cache.MarkCanceled(seg)
			return nil, nil
		case err != nil:
			metrics.DownloadFailuresTotal.Inc()
			cache.MarkFailed(seg)
			dlLogger := log.WithComponent("downloader")
			dlLogger.Warn().
				Err(err).
				Str(log.FieldBufferID, log.BufferIDFromContext(ctx)).
				Int64(log.FieldSegmentIndex, seg.Index).
				Str(log.FieldURL, seg.URL).
				Msg("segment download failed")
			return nil, err
		case !ready:
			cache.MarkFailed(seg)
			return nil, nil
		default:
			cache.MarkReady(seg)
			return nil, nil
		}
	})
}

// fetch performs the actual HTTP GET (and, for nested playlists, the
// recursive fetch of their segments), appending bytes to seg as they
// arrive. It returns ready=true iff seg accumulated at least one byte;
// when isCanceled stops the transfer early it still reports the bytes
// gathered so far, and Submit checks isCanceled before trusting ready.
func (d *Downloader) fetch(ctx context.Context, seg *segcache.MutableSegment, isCanceled IsCanceled) (bool, error) {
	url, headerSuffix := playlist.SplitHeaderSuffix(seg.URL)

	resp, err := d.openStream(ctx, url, headerSuffix)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if isPlaylistContentType(resp.Header.Get("Content-Type")) {
		return d.fetchNested(ctx, resp.Body, seg, url, headerSuffix, isCanceled)
	}
	return d.streamInto(resp.Body, seg, isCanceled)
}

func (d *Downloader) openStream(ctx context.Context, url, headerSuffix string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	playlist.ApplyHeaderSuffix(req, headerSuffix)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d fetching %s", ErrTransport, resp.StatusCode, url)
	}
	return resp, nil
}

// fetchNested parses body as a nested media playlist and fetches its
// segments in order, appending their bytes to the same outer segment
// entry.
func (d *Downloader) fetchNested(ctx context.Context, body io.Reader, seg *segcache.MutableSegment, base, headerSuffix string, isCanceled IsCanceled) (bool, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return false, fmt.Errorf("%w: read nested playlist: %v", ErrTransport, err)
	}

	nested, err := playlist.ParseMediaPlaylist(string(raw), base, headerSuffix)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	for _, ns := range nested.Segments {
		if isCanceled() {
			return seg.BytesReady() > 0, nil
		}
		url, suffix := playlist.SplitHeaderSuffix(ns.URL)
		resp, err := d.openStream(ctx, url, suffix)
		if err != nil {
			return seg.BytesReady() > 0, err
		}
		ready, err := d.streamInto(resp.Body, seg, isCanceled)
		resp.Body.Close()
		if err != nil {
			return ready, err
		}
	}
	return seg.BytesReady() > 0, nil
}

// streamInto copies body into seg's buffer, transparently inflating it if
// the first three bytes are the gzip magic, checking isCanceled between
// chunks.
func (d *Downloader) streamInto(body io.Reader, seg *segcache.MutableSegment, isCanceled IsCanceled) (bool, error) {
	br := bufio.NewReaderSize(body, chunkSize)

	var src io.Reader = br
	if magic, err := br.Peek(3); err == nil && [3]byte{magic[0], magic[1], magic[2]} == gzipMagic {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return false, fmt.Errorf("%w: gzip: %v", ErrTransport, err)
		}
		defer gz.Close()
		src = gz
	}

	started := d.speed.Start()
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if isCanceled() {
			return seg.BytesReady() > 0, nil
		}
		n, err := src.Read(buf)
		if n > 0 {
			seg.AppendBytes(buf[:n])
			total += int64(n)
			metrics.DownloadBytesTotal.Add(float64(n))
		}
		if err == io.EOF {
			d.speed.Finish(started, total)
			break
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	return seg.BytesReady() > 0, nil
}

// isPlaylistContentType reports whether ct names a playlist media type
// rather than a raw segment body.
func isPlaylistContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "application/vnd.apple.mpegurl") || strings.Contains(ct, "audio/mpegurl")
}
