// Package metrics exposes process-level Prometheus gauges and a counter for the pool
// and replication subsystems, in the same client_golang idiom used
// throughout the corpus for instance- and controller-level metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PoolReadyEntries reports the number of ready (claimable)
	// EnvironmentPoolEntry rows per template.
	PoolReadyEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "harness",
			Subsystem: "pool",
			Name:      "ready_entries",
			Help:      "Number of ready environment pool entries per template.",
		},
		[]string{"template_id"},
	)

	// ActiveRuns reports the number of runs currently capturing changes
	// via the replication stream.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "harness",
			Subsystem: "replication",
			Name:      "active_runs",
			Help:      "Number of runs currently registered against the logical replication stream.",
		},
	)

	// JournalEntriesWritten counts change journal rows persisted, labeled
	// by the run's capture mode.
	JournalEntriesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harness",
			Subsystem: "replication",
			Name:      "journal_entries_written_total",
			Help:      "Total change journal rows written.",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(PoolReadyEntries, ActiveRuns, JournalEntriesWritten)
}
