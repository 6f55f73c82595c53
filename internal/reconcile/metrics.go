package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	stuckReleasesFound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agroclear",
		Subsystem: "reconciliation",
		Name:      "stuck_releases",
		Help:      "Milestones with a completed payment and no ledger record found in the last run.",
	})

	pendingCancellations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agroclear",
		Subsystem: "reconciliation",
		Name:      "pending_cancellations",
		Help:      "Contracts awaiting a refund retry found in the last run.",
	})

	pendingLedgerEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agroclear",
		Subsystem: "reconciliation",
		Name:      "pending_ledger_events",
		Help:      "Queued ledger appends found in the last run.",
	})

	repairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agroclear",
		Subsystem: "reconciliation",
		Name:      "repairs_total",
		Help:      "Successful repairs by kind.",
	}, []string{"kind"})

	exhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agroclear",
		Subsystem: "reconciliation",
		Name:      "exhausted_total",
		Help:      "Items that hit the retry cap and were flagged for manual review.",
	}, []string{"kind"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agroclear",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agroclear",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation scan errors.",
	})
)

func init() {
	prometheus.MustRegister(
		stuckReleasesFound,
		pendingCancellations,
		pendingLedgerEvents,
		repairsTotal,
		exhaustedTotal,
		runDuration,
		runErrors,
	)
}
