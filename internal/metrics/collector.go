// Package metrics exposes daemon state as prometheus metrics.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hindsight-dev/hindsight/internal/build"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

// WatcherState is what the collector reads off the watcher without
// importing its package.
type WatcherState interface {
	TrackedFiles() int
	Overflow() uint64
}

// Collector reads counts from the store, the queue, and the watcher at
// scrape time. Const metrics keep the hot paths free of instrumentation.
type Collector struct {
	startTime time.Time
	store     *store.Store
	queue     *queue.Queue
	watcher   WatcherState // may be nil

	infoDesc       *prometheus.Desc
	uptimeDesc     *prometheus.Desc
	jobsDesc       *prometheus.Desc
	nodesDesc      *prometheus.Desc
	edgesDesc      *prometheus.Desc
	embeddingsDesc *prometheus.Desc
	trackedDesc    *prometheus.Desc
	overflowDesc   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds the scrape-time collector. watcher may be nil when
// the daemon runs without one (e.g. rebuild commands).
func NewCollector(st *store.Store, q *queue.Queue, watcher WatcherState) *Collector {
	return &Collector{
		startTime: time.Now(),
		store:     st,
		queue:     q,
		watcher:   watcher,
		infoDesc: prometheus.NewDesc(
			"hindsight_info",
			"Build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"hindsight_uptime_seconds",
			"Time since daemon start",
			nil, nil,
		),
		jobsDesc: prometheus.NewDesc(
			"hindsight_jobs",
			"Number of queue jobs by status",
			[]string{"status"},
			nil,
		),
		nodesDesc: prometheus.NewDesc(
			"hindsight_nodes_total",
			"Number of knowledge nodes",
			nil, nil,
		),
		edgesDesc: prometheus.NewDesc(
			"hindsight_edges_total",
			"Number of graph edges",
			nil, nil,
		),
		embeddingsDesc: prometheus.NewDesc(
			"hindsight_embeddings_total",
			"Number of stored embeddings",
			nil, nil,
		),
		trackedDesc: prometheus.NewDesc(
			"hindsight_watcher_tracked_files",
			"Number of session files under watch",
			nil, nil,
		),
		overflowDesc: prometheus.NewDesc(
			"hindsight_watcher_dropped_events_total",
			"Watcher events dropped on channel overflow",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.jobsDesc
	ch <- c.nodesDesc
	ch <- c.edgesDesc
	ch <- c.embeddingsDesc
	ch <- c.trackedDesc
	ch <- c.overflowDesc
}

// Collect implements prometheus.Collector. A bounded context keeps a
// wedged database from hanging the scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(
		c.infoDesc, prometheus.GaugeValue, 1, build.Version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	if stats, err := c.queue.Stats(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(stats.Pending), "pending")
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(stats.Running), "running")
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(stats.Completed), "completed")
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(stats.Failed), "failed")
	}

	if nodes, edges, embeddings, err := c.store.Counts(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.nodesDesc, prometheus.GaugeValue, float64(nodes))
		ch <- prometheus.MustNewConstMetric(c.edgesDesc, prometheus.GaugeValue, float64(edges))
		ch <- prometheus.MustNewConstMetric(c.embeddingsDesc, prometheus.GaugeValue, float64(embeddings))
	}

	if c.watcher != nil {
		ch <- prometheus.MustNewConstMetric(c.trackedDesc, prometheus.GaugeValue, float64(c.watcher.TrackedFiles()))
		ch <- prometheus.MustNewConstMetric(c.overflowDesc, prometheus.CounterValue, float64(c.watcher.Overflow()))
	}
}
