package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitle.Metrics using Prometheus.
type Metrics struct {
	admissionsTotal      *prometheus.CounterVec
	admissionDuration    prometheus.Histogram
	integrityFaultsTotal *prometheus.CounterVec
	cacheHitsTotal       *prometheus.CounterVec
	cacheMissesTotal     *prometheus.CounterVec
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrors     *prometheus.CounterVec
	sweepRowsScanned     prometheus.Counter
	sweepRowsReset       prometheus.Counter
	sweepDuration        prometheus.Histogram
	repairsTotal         *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of admission decisions.",
		}, []string{"tier", "allowed"}),

		admissionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Latency of admission checks.",
			Buckets:   prometheus.DefBuckets,
		}),

		integrityFaultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_faults_total",
			Help:      "Total number of data-integrity faults observed on the admission path.",
		}, []string{"kind"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		sweepRowsScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_scanned_total",
			Help:      "Total number of ledger rows scanned by reset sweeps.",
		}),

		sweepRowsReset: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_reset_total",
			Help:      "Total number of ledger rows rolled forward by reset sweeps.",
		}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reset sweep passes.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		}),

		repairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_repairs_total",
			Help:      "Total number of auditor repairs by invariant.",
		}, []string{"invariant"}),
	}
}

func (m *Metrics) RecordAdmission(tier string, allowed bool, duration time.Duration) {
	m.admissionsTotal.WithLabelValues(tier, strconv.FormatBool(allowed)).Inc()
	m.admissionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordIntegrityFault(kind string) {
	m.integrityFaultsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordSweep(scanned, reset int, duration time.Duration) {
	m.sweepRowsScanned.Add(float64(scanned))
	m.sweepRowsReset.Add(float64(reset))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRepair(invariant string) {
	m.repairsTotal.WithLabelValues(invariant).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
