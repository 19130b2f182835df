package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holocron_store_writes_total",
			Help: "Committed document writes, tombstones included.",
		},
		[]string{"collection", "kind"},
	)

	conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holocron_store_conflicts_total",
			Help: "Writes rejected for a stale revision.",
		},
		[]string{"collection"},
	)

	replAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holocron_store_replicated_applied_total",
			Help: "Replicated revisions that won against the stored document.",
		},
		[]string{"collection"},
	)

	indexScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holocron_store_index_scans_total",
			Help: "Find queries served, by index.",
		},
		[]string{"collection", "index"},
	)

	watchLagTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holocron_store_watch_lag_closes_total",
			Help: "Feed subscribers closed for not draining their buffer.",
		},
		[]string{"collection"},
	)
)

func init() {
	prometheus.MustRegister(writesTotal)
	prometheus.MustRegister(conflictsTotal)
	prometheus.MustRegister(replAppliedTotal)
	prometheus.MustRegister(indexScansTotal)
	prometheus.MustRegister(watchLagTotal)
}

func recordWrite(collection string, deleted bool) {
	kind := "doc"
	if deleted {
		kind = "tombstone"
	}
	writesTotal.WithLabelValues(collection, kind).Inc()
}

func recordConflict(collection string) {
	conflictsTotal.WithLabelValues(collection).Inc()
}

func recordReplApplied(collection string) {
	replAppliedTotal.WithLabelValues(collection).Inc()
}

func recordIndexScan(collection, index string) {
	indexScansTotal.WithLabelValues(collection, index).Inc()
}

func recordWatchLag(collection string) {
	watchLagTotal.WithLabelValues(collection).Inc()
}

// RegisterDiskGauge exposes the database directory size as a gauge.
// Called once at startup; the walk runs on each scrape.
func RegisterDiskGauge(db *DB) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "holocron_store_disk_bytes",
			Help: "On-disk size of the database directory.",
		},
		func() float64 {
			size, err := db.DiskUsage()
			if err != nil {
				return 0
			}
			return float64(size)
		},
	))
}
