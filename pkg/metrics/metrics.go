// Package metrics exports profile store counters to Prometheus.
//
// Metrics:
//   - profilestore_cache_entries / profilestore_cache_dirty_entries: current cache occupancy
//   - profilestore_cache_{hits,misses,loads,evictions}_total: cache counters
//   - profilestore_flushes_total / profilestore_flush_failures_total: write-behind flushes
//   - profilestore_backend_errors_total: backend failures absorbed by the service
//   - profilestore_migrations_total{result}, profilestore_migration_entries_total,
//     profilestore_migration_duration_seconds: migration runs
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oceanbase/profilestore-go/pkg/core"
)

const namespace = "profilestore"

// StatsSource is implemented by core.StorageService.
type StatsSource interface {
	Stats() core.ServiceStats
}

// Collector reads service stats on every scrape.
type Collector struct {
	source StatsSource

	entries       *prometheus.Desc
	dirty         *prometheus.Desc
	hits          *prometheus.Desc
	misses        *prometheus.Desc
	loads         *prometheus.Desc
	evictions     *prometheus.Desc
	flushes       *prometheus.Desc
	flushFailures *prometheus.Desc
	backendErrors *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for source. Register it with a
// prometheus.Registerer.
func NewCollector(source StatsSource) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"backend"}, nil)
	}
	return &Collector{
		source:        source,
		entries:       desc("cache_entries", "Number of cached profiles."),
		dirty:         desc("cache_dirty_entries", "Number of cached profiles not yet flushed."),
		hits:          desc("cache_hits_total", "Cache lookups served from memory."),
		misses:        desc("cache_misses_total", "Cache lookups that fell through to the backend."),
		loads:         desc("cache_loads_total", "Profiles loaded from the backend into the cache."),
		evictions:     desc("cache_evictions_total", "Profiles evicted to respect the cache size."),
		flushes:       desc("flushes_total", "Write-behind flushes that wrote entries."),
		flushFailures: desc("flush_failures_total", "Write-behind flushes that left entries dirty."),
		backendErrors: desc("backend_errors_total", "Backend errors absorbed by the storage service."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

func (c *Collector) descs() []*prometheus.Desc {
	return []*prometheus.Desc{
		c.entries, c.dirty, c.hits, c.misses, c.loads,
		c.evictions, c.flushes, c.flushFailures, c.backendErrors,
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, s.Backend)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), s.Backend)
	}

	gauge(c.entries, float64(s.Cache.Size))
	gauge(c.dirty, float64(s.Cache.Dirty))
	counter(c.hits, s.Cache.Hits)
	counter(c.misses, s.Cache.Misses)
	counter(c.loads, s.Cache.Loads)
	counter(c.evictions, s.Cache.Evictions)
	counter(c.flushes, s.Flushes)
	counter(c.flushFailures, s.FlushFailures)
	counter(c.backendErrors, s.BackendErrors)
}

// MigrationMetrics records finished migration runs.
type MigrationMetrics struct {
	Runs     *prometheus.CounterVec
	Entries  prometheus.Counter
	Duration prometheus.Histogram
}

// NewMigrationMetrics creates the migration metrics and registers them with reg.
func NewMigrationMetrics(reg prometheus.Registerer) *MigrationMetrics {
	m := &MigrationMetrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Finished migrations by result (success, partial).",
		}, []string{"result"}),
		Entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_entries_total",
			Help:      "Entries written to migration targets.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Wall time of migrations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
	}
	reg.MustRegister(m.Runs, m.Entries, m.Duration)
	return m
}

// Observe records one report.
func (m *MigrationMetrics) Observe(report *core.MigrationReport) {
	if report == nil {
		return
	}
	result := "success"
	if !report.Success() {
		result = "partial"
	}
	m.Runs.WithLabelValues(result).Inc()
	m.Entries.Add(float64(report.EntriesMigrated))
	m.Duration.Observe(report.Duration().Seconds())
}

// Handler exposes the metrics gathered by reg in the Prometheus text format.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
