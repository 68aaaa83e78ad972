package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/recall/internal/jobs"
)

// Metric names.
const (
	MetricRankRequests       = "recall_rank_requests_total"
	MetricRankDuration       = "recall_rank_duration_seconds"
	MetricRankResults        = "recall_rank_results"
	MetricFeedbackEvents     = "recall_feedback_events_total"
	MetricRankerUpdates      = "recall_ranker_updates_total"
	MetricSnapshotLoads      = "recall_snapshot_loads_total"
	MetricSnapshotLoadTime   = "recall_snapshot_load_duration_seconds"
	MetricSnapshotPages      = "recall_snapshot_pages"
	MetricWeightSaves        = "recall_weight_saves_total"
	MetricWeightSaveDuration = "recall_weight_save_duration_seconds"
)

// Label values.
const (
	outcomeCommitted     = "committed"
	outcomeStale         = "stale"
	outcomeEmptyQuery    = "empty_query"
	outcomeUninitialized = "uninitialized"
	outcomeTrained       = "trained"
	outcomeApplied       = "applied"
	outcomeUnknownPage   = "unknown_page"

	feedbackClick      = "click"
	feedbackImpression = "impression"

	statusSuccess = "success"
	statusFailure = "failure"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	rankRequests     *prometheus.CounterVec
	rankDuration     prometheus.Histogram
	rankResults      prometheus.Histogram
	feedbackEvents   *prometheus.CounterVec
	rankerUpdates    prometheus.Counter
	snapshotLoads    *prometheus.CounterVec
	snapshotLoadTime prometheus.Histogram
	snapshotPages    prometheus.Gauge
	weightSaves      *prometheus.CounterVec
	weightSaveTime   prometheus.Histogram
}

// NewMetrics creates unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		rankRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRankRequests,
			Help: "Rank calls by outcome",
		}, []string{"outcome"}),
		rankDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRankDuration,
			Help:    "Rank call latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		rankResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRankResults,
			Help:    "Number of results returned per committed rank call",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		feedbackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricFeedbackEvents,
			Help: "Feedback events by kind and outcome",
		}, []string{"kind", "outcome"}),
		rankerUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRankerUpdates,
			Help: "Online ranker training updates applied",
		}),
		snapshotLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSnapshotLoads,
			Help: "History snapshot loads by status",
		}, []string{"status"}),
		snapshotLoadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricSnapshotLoadTime,
			Help:    "History snapshot load and build time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		snapshotPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSnapshotPages,
			Help: "Pages in the current history snapshot",
		}),
		weightSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricWeightSaves,
			Help: "Model weight saves by status",
		}, []string{"status"}),
		weightSaveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricWeightSaveDuration,
			Help:    "Model weight save latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors, mainly for tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rankRequests,
		m.rankDuration,
		m.rankResults,
		m.feedbackEvents,
		m.rankerUpdates,
		m.snapshotLoads,
		m.snapshotLoadTime,
		m.snapshotPages,
		m.weightSaves,
		m.weightSaveTime,
	}
}

// ObserveWeightSave implements ranking.PersisterMetrics.
func (m *Metrics) ObserveWeightSave(status string, seconds float64) {
	if m == nil {
		return
	}
	m.weightSaves.WithLabelValues(status).Inc()
	m.weightSaveTime.Observe(seconds)
}

func (m *Metrics) observeRank(outcome string, seconds float64, results int) {
	if m == nil {
		return
	}
	m.rankRequests.WithLabelValues(outcome).Inc()
	m.rankDuration.Observe(seconds)
	if outcome == outcomeCommitted {
		m.rankResults.Observe(float64(results))
	}
}

func (m *Metrics) incFeedback(kind, outcome string) {
	if m == nil {
		return
	}
	m.feedbackEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) incRankerUpdates() {
	if m == nil {
		return
	}
	m.rankerUpdates.Inc()
}

func (m *Metrics) observeLoad(status string, seconds float64) {
	if m == nil {
		return
	}
	m.snapshotLoads.WithLabelValues(status).Inc()
	m.snapshotLoadTime.Observe(seconds)
}

func (m *Metrics) setSnapshotPages(n int) {
	if m == nil {
		return
	}
	m.snapshotPages.Set(float64(n))
}

// JobMetrics receives background job outcomes (see package jobs).
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// persistMetrics forwards weight-save outcomes to both metric sets.
type persistMetrics struct {
	metrics *Metrics
	jobs    JobMetrics
}

func (p persistMetrics) ObserveWeightSave(status string, seconds float64) {
	p.metrics.ObserveWeightSave(status, seconds)
	if p.jobs != nil {
		p.jobs.IncJobsTotal(jobs.JobTypeWeightPersist, status)
		p.jobs.ObserveJobDuration(jobs.JobTypeWeightPersist, seconds)
	}
}
