package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// coreMetrics holds the process-wide Prometheus collectors fed by the pool,
// transaction coordinator, migration engine, and repair engine. It is a
// singleton registered lazily so importing this package without a metrics
// server listening never panics on double-registration in tests.
type coreMetrics struct {
	handlesAlive    *prometheus.GaugeVec
	busyRetries     *prometheus.CounterVec
	migrationRows   *prometheus.CounterVec
	repairScore     prometheus.Histogram
	checkoutWaitSec prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *coreMetrics
)

func initMetrics() {
	metrics = &coreMetrics{
		handlesAlive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lattice_handles_alive",
				Help: "Number of live handles per database path and category.",
			},
			[]string{"path", "category"},
		),
		busyRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_busy_retries_total",
				Help: "Number of busy-retry attempts made by the transaction coordinator.",
			},
			[]string{"path"},
		),
		migrationRows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_migration_rows_total",
				Help: "Rows moved from a source table into a target table by stepMigration.",
			},
			[]string{"target"},
		),
		repairScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lattice_repair_score",
				Help:    "Weighted ratio of cells recovered by the last retrieve() call.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		checkoutWaitSec: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lattice_checkout_wait_seconds",
				Help:    "Time a caller waited in HandlePool.checkout for a handle.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
	}
}

// m returns the metrics singleton, registering collectors on first use.
func m() *coreMetrics {
	metricsOnce.Do(initMetrics)
	return metrics
}
