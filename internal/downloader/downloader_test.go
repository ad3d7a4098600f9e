package downloader

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/countersvk/pvr.puzzle.tv/internal/playlist"
	"github.com/countersvk/pvr.puzzle.tv/internal/segcache"
	"github.com/countersvk/pvr.puzzle.tv/internal/speedometer"
	"github.com/countersvk/pvr.puzzle.tv/internal/workerpool"
)

func never() bool { return false }

func newTestRig(t *testing.T) (*Downloader, *workerpool.Pool) {
	t.Helper()
	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	client := &http.Client{Timeout: 5 * time.Second}
	return New(client, pool, speedometer.New(0)), pool
}

// cacheWithSegment builds a single-segment cache whose fill target points
// at url, returning the cache and the Loading segment.
func cacheWithSegment(t *testing.T, url string) (*segcache.Cache, *segcache.MutableSegment) {
	t.Helper()
	cache := segcache.NewCache(4, false, 0)
	require.NoError(t, cache.Open(playlist.Result{
		Info:     playlist.Info{TargetDuration: 6, IsVOD: true},
		Segments: []playlist.Segment{{URL: url, InternalIndex: 0, Duration: 6}},
	}))
	seg, ok := cache.NextSegmentToFill()
	require.True(t, ok)
	return cache, seg
}

func TestDownloader_PlainSegment(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("AAAAAAAAAA"))
	}))
	defer srv.Close()

	dl, _ := newTestRig(t)
	cache, seg := cacheWithSegment(t, srv.URL+"/seg1.ts")

	dl.Submit(context.Background(), cache, seg, never).Wait()

	assert.Equal(t, segcache.StatusReady, seg.Status())
	assert.Equal(t, int64(10), seg.BytesReady())
}

func TestDownloader_GzipInflation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	_, _ = gz.Write([]byte("inflate me"))
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Served as opaque bytes, not Content-Encoding, so the client
		// sees the raw gzip magic.
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body.Bytes())
	}))
	defer srv.Close()

	dl, _ := newTestRig(t)
	cache, seg := cacheWithSegment(t, srv.URL+"/seg1.ts")

	dl.Submit(context.Background(), cache, seg, never).Wait()

	require.Equal(t, segcache.StatusReady, seg.Status())
	buf := make([]byte, 64)
	n := seg.CopyFrom(0, buf)
	assert.Equal(t, "inflate me", string(buf[:n]))
}

func TestDownloader_NestedPlaylist(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/outer.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:3,\ninner1.ts\n#EXTINF:3,\ninner2.ts\n#EXT-X-ENDLIST\n"))
	})
	mux.HandleFunc("/inner1.ts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("AAAA"))
	})
	mux.HandleFunc("/inner2.ts", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("BBBB"))
	})

	dl, _ := newTestRig(t)
	cache, seg := cacheWithSegment(t, srv.URL+"/outer.ts")

	dl.Submit(context.Background(), cache, seg, never).Wait()

	require.Equal(t, segcache.StatusReady, seg.Status())
	buf := make([]byte, 64)
	n := seg.CopyFrom(0, buf)
	assert.Equal(t, "AAAABBBB", string(buf[:n]))
}

func TestDownloader_HeaderSuffixApplied(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("AAAA"))
	}))
	defer srv.Close()

	dl, _ := newTestRig(t)
	cache, seg := cacheWithSegment(t, srv.URL+"/seg1.ts|User-Agent: custom-agent/1.0")

	dl.Submit(context.Background(), cache, seg, never).Wait()

	require.Equal(t, segcache.StatusReady, seg.Status())
	assert.Equal(t, "custom-agent/1.0", <-gotUA)
}

func TestDownloader_HTTPErrorMarksFailed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dl, _ := newTestRig(t)
	cache, seg := cacheWithSegment(t, srv.URL+"/seg1.ts")

	res := dl.Submit(context.Background(), cache, seg, never).Wait()

	assert.ErrorIs(t, res.Err, ErrTransport)
	assert.Equal(t, segcache.StatusFailed, seg.Status())
}

func TestDownloader_CancellationObservedBetweenChunks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64*1024))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write(bytes.Repeat([]byte("y"), 64*1024))
	}))
	defer srv.Close()
	defer close(release)

	dl, _ := newTestRig(t)
	cache, seg := cacheWithSegment(t, srv.URL+"/seg1.ts")

	canceled := make(chan struct{})
	isCanceled := func() bool {
		select {
		case <-canceled:
			return true
		default:
			return false
		}
	}

	fut := dl.Submit(context.Background(), cache, seg, isCanceled)
	// Let the first chunk land, then cancel.
	require.Eventually(t, func() bool { return seg.BytesReady() > 0 }, 2*time.Second, 10*time.Millisecond)
	close(canceled)

	fut.Wait()
	assert.Equal(t, segcache.StatusCanceled, seg.Status())
}
