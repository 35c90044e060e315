package services

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/dataset"
)

// MetricsCollector exposes recommendation, cache and worker metrics. A nil
// collector is valid and records nothing.
type MetricsCollector struct {
	recommendationRequests *prometheus.CounterVec
	recommendationLatency  *prometheus.HistogramVec
	engineLatency          *prometheus.HistogramVec
	cacheLookups           *prometheus.CounterVec
	precomputeTasks        *prometheus.CounterVec
	ratingEvents           *prometheus.CounterVec
}

// register adds c to the default registry, reusing an equal collector
// registered earlier.
func register[T prometheus.Collector](c T, logger *logrus.Logger) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("Failed to register metric")
	}
	return c
}

func NewMetricsCollector(logger *logrus.Logger) *MetricsCollector {
	return &MetricsCollector{
		recommendationRequests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrex_recommendation_requests_total",
			Help: "Recommendation requests by operation and serving algorithm",
		}, []string{"operation", "algorithm"}), logger),

		recommendationLatency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bookrex_recommendation_latency_seconds",
			Help:    "End-to-end recommendation latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"operation"}), logger),

		engineLatency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bookrex_engine_latency_seconds",
			Help:    "Latency of a single scoring engine call in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}), logger),

		cacheLookups: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrex_cache_lookups_total",
			Help: "Recommendation cache lookups by result",
		}, []string{"result"}), logger),

		precomputeTasks: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrex_precompute_tasks_total",
			Help: "Precompute tasks by outcome",
		}, []string{"outcome"}), logger),

		ratingEvents: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bookrex_rating_events_total",
			Help: "Rating events by source and outcome",
		}, []string{"source", "outcome"}), logger),
	}
}

// RegisterSnapshotGauges exports the live snapshot version and size.
func (m *MetricsCollector) RegisterSnapshotGauges(store *dataset.Store, logger *logrus.Logger) {
	if m == nil || store == nil {
		return
	}
	stat := func(pick func(dataset.Stats) float64) func() float64 {
		return func() float64 {
			snap := store.Current()
			if snap == nil {
				return 0
			}
			return pick(snap.Stats())
		}
	}

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bookrex_snapshot_version",
		Help: "Version of the live dataset snapshot",
	}, stat(func(s dataset.Stats) float64 { return float64(s.Version) })), logger)
	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bookrex_snapshot_books",
		Help: "Books in the live dataset snapshot",
	}, stat(func(s dataset.Stats) float64 { return float64(s.Books) })), logger)
	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bookrex_snapshot_ratings",
		Help: "Ratings in the live dataset snapshot",
	}, stat(func(s dataset.Stats) float64 { return float64(s.Ratings) })), logger)
}

// RegisterQueueGauge exports the precompute queue depth.
func (m *MetricsCollector) RegisterQueueGauge(depth func() int, logger *logrus.Logger) {
	if m == nil {
		return
	}
	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bookrex_precompute_queue_depth",
		Help: "Tasks waiting in the precompute queue",
	}, func() float64 { return float64(depth()) }), logger)
}

func (m *MetricsCollector) RecordRecommendation(operation, algorithm string, started time.Time) {
	if m == nil {
		return
	}
	m.recommendationRequests.WithLabelValues(operation, algorithm).Inc()
	m.recommendationLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *MetricsCollector) RecordEngine(engine string, started time.Time) {
	if m == nil {
		return
	}
	m.engineLatency.WithLabelValues(engine).Observe(time.Since(started).Seconds())
}

func (m *MetricsCollector) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *MetricsCollector) RecordPrecompute(outcome string) {
	if m == nil {
		return
	}
	m.precomputeTasks.WithLabelValues(outcome).Inc()
}

func (m *MetricsCollector) RecordRatingEvent(source, outcome string) {
	if m == nil {
		return
	}
	m.ratingEvents.WithLabelValues(source, outcome).Inc()
}
