// Package metrics exposes Prometheus collectors for the memory engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Scoring metrics
	DeltaTClampsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemex_score_delta_t_clamps_total",
			Help: "Times a score computation clamped delta-t to the 10-year ceiling",
		},
	)

	// Store metrics
	MalformedLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemex_store_malformed_lines_total",
			Help: "Malformed JSONL lines skipped during recovery, by file",
		},
		[]string{"file"},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemex_store_compactions_total",
			Help: "Completed JSONL compactions",
		},
	)

	ActiveRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mnemex_records",
			Help: "Record counts by status",
		},
		[]string{"status"},
	)

	// Lifecycle metrics
	GCSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemex_gc_swept_total",
			Help: "Records removed or archived by GC sweeps, by outcome",
		},
		[]string{"outcome"},
	)

	PromotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemex_promotions_total",
			Help: "Records promoted to the long-term vault",
		},
	)

	ConsolidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemex_consolidations_total",
			Help: "Applied cluster consolidations",
		},
	)

	// Embedder metrics
	EmbedFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemex_embed_failures_total",
			Help: "Embedder calls that failed after retries or hit an open circuit",
		},
	)

	// Vault metrics
	VaultScanSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mnemex_vault_scan_seconds",
			Help:    "Duration of LTM vault index refreshes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all mnemex collectors with the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		DeltaTClampsTotal,
		MalformedLinesTotal,
		CompactionsTotal,
		ActiveRecords,
		GCSweptTotal,
		PromotionsTotal,
		ConsolidationsTotal,
		EmbedFailuresTotal,
		VaultScanSeconds,
	)
}
