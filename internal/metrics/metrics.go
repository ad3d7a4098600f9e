// Package metrics provides Prometheus metrics for the streaming buffer
// engine's core components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the Action Queue FIFO backlog, by queue name.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streambuf_queue_depth",
		Help: "Current Action Queue FIFO backlog, by queue name.",
	}, []string{"queue"})

	// PriorityItemsTotal counts priority-lane submissions, by queue name.
	PriorityItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streambuf_priority_items_total",
		Help: "Total Action Queue priority-lane submissions, by queue name.",
	}, []string{"queue"})

	// PoolInflight tracks in-flight tasks in the bounded worker pool.
	PoolInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streambuf_pool_inflight",
		Help: "Current in-flight task count in the bounded worker pool.",
	})

	// PoolQueueDepth tracks the bounded worker pool's backlog.
	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streambuf_pool_queue_depth",
		Help: "Current backlog depth in the bounded worker pool.",
	})

	// SegmentsReady tracks resident Ready segments in the cache.
	SegmentsReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streambuf_segments_ready",
		Help: "Current number of Ready segments resident in the cache.",
	})

	// SegmentsEvictedTotal counts segment evictions from the cache.
	SegmentsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streambuf_segments_evicted_total",
		Help: "Total number of segments evicted from the cache.",
	})

	// DownloadBytesTotal counts bytes downloaded by the segment downloader.
	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streambuf_download_bytes_total",
		Help: "Total bytes downloaded for media segments.",
	})

	// DownloadFailuresTotal counts segment download failures.
	DownloadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streambuf_download_failures_total",
		Help: "Total number of segment download failures.",
	})

	// SpeedometerBPS reports the current sliding-window bytes/second.
	SpeedometerBPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streambuf_speedometer_bps",
		Help: "Current sliding-window download throughput, bytes per second.",
	})

	// TimerDispatchTotal counts Timer Engine dispatches, by action.
	TimerDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streambuf_timer_dispatch_total",
		Help: "Total Timer Engine dispatches to the recorder delegate, by action.",
	}, []string{"action"})
)
