package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blocki",
		Subsystem: "reconciliation",
		Name:      "custody_mismatches",
		Help:      "Number of custody balance mismatches found in last reconciliation run.",
	})

	reconcileTimedOutEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blocki",
		Subsystem: "reconciliation",
		Name:      "timed_out_escrows",
		Help:      "Number of locked escrows past their timeout in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blocki",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blocki",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileTimedOutEscrows,
		reconcileDuration,
		reconcileErrors,
	)
}
