package entitle

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordAdmission records an admission decision and its latency.
	RecordAdmission(tier string, allowed bool, duration time.Duration)

	// RecordIntegrityFault records a data-integrity fault observed on
	// the admission path (e.g. an unknown tier reference).
	RecordIntegrityFault(kind string)

	// RecordCacheHit records a cache hit for a specific cache type.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a
	// storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordSweep records the outcome of one reset sweep.
	RecordSweep(scanned, reset int, duration time.Duration)

	// RecordRepair records one auditor correction, keyed by the
	// invariant that was violated.
	RecordRepair(invariant string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(tier string, allowed bool, duration time.Duration)          {}
func (n *NoopMetrics) RecordIntegrityFault(kind string)                                           {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordSweep(scanned, reset int, duration time.Duration)                     {}
func (n *NoopMetrics) RecordRepair(invariant string)                                              {}
