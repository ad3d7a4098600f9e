// Command demo wires the buffer engine together end to end: it opens a
// playlist URL, drains it to stdout, and serves Prometheus
// metrics plus a position probe while doing so.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/countersvk/pvr.puzzle.tv/internal/config"
	"github.com/countersvk/pvr.puzzle.tv/internal/log"
	"github.com/countersvk/pvr.puzzle.tv/internal/streambuffer"
	"github.com/countersvk/pvr.puzzle.tv/internal/timer"
)

// staticDelegate is the minimal host-policy delegate the demo needs: a
// fixed cache window and no timeshift redirection.
type staticDelegate struct {
	segments int
	position time.Duration
}

func (d *staticDelegate) SegmentsToCache() int    { return d.segments }
func (d *staticDelegate) Duration() time.Duration { return time.Hour }
func (d *staticDelegate) URLForTimeshift(shift time.Duration) (string, time.Duration) {
	return "", shift
}
func (d *staticDelegate) IsLive() bool                       { return false }
func (d *staticDelegate) GetCurrentPosition() time.Duration  { return d.position }
func (d *staticDelegate) SetCurrentPosition(p time.Duration) { d.position = p }
func (d *staticDelegate) MinTimeshift() time.Duration        { return 0 }
func (d *staticDelegate) MaxTimeshift() time.Duration        { return time.Hour }

// logRecorder satisfies the timer engine's recorder contract by logging
// dispatches; a real host would start an actual capture here.
type logRecorder struct{}

func (logRecorder) StartRecording(rec timer.Record) error {
	demoLogger := log.WithComponent("demo")
	demoLogger.Info().
		Uint32(log.FieldClientIndex, rec.ClientIndex).
		Str("title", rec.Title).
		Msg("start recording")
	return nil
}

func (logRecorder) StopRecording(rec timer.Record) error {
	demoLogger := log.WithComponent("demo")
	demoLogger.Info().
		Uint32(log.FieldClientIndex, rec.ClientIndex).
		Str("title", rec.Title).
		Msg("stop recording")
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	listenAddr := flag.String("listen", ":8080", "metrics/debug listen address")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <playlist-url>\n", os.Args[0])
		os.Exit(2)
	}
	sourceURL := flag.Arg(0)

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log.Configure(log.Config{Level: cfg.LogLevel})
	logger := log.WithComponent("demo")

	timers, err := timer.New(logRecorder{}, filepath.Join(cfg.DataDir, "timers.bin"), nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("timer engine failed to start")
	}
	defer timers.Stop(5 * time.Second)

	delegate := &staticDelegate{segments: cfg.SegmentsToCache}
	buf, err := streambuffer.Open(context.Background(), sourceURL, delegate, true, streambuffer.Options{
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		NHLSThreads: cfg.NHLSThreads,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open playlist buffer failed")
	}
	defer buf.Close(10 * time.Second)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/debug/position", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "position=%d length=%d\n", buf.Position(), buf.Length())
	})
	go func() {
		if err := http.ListenAndServe(*listenAddr, nil); err != nil {
			logger.Error().Err(err).Msg("debug listener failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		chunk := make([]byte, 64*1024)
		var total int64
		for {
			n, err := buf.Read(chunk, 5*time.Second)
			if err != nil || n < 0 {
				logger.Info().Int64("total_bytes", total).Msg("stream ended")
				return
			}
			total += int64(n)
			if _, err := os.Stdout.Write(chunk[:n]); err != nil {
				logger.Error().Err(err).Msg("write stdout failed")
				return
			}
		}
	}()

	select {
	case <-sig:
		logger.Info().Msg("interrupted, shutting down")
		buf.AbortRead()
		<-done
	case <-done:
	}
}
