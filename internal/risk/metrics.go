package risk

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "risk",
		Name:      "evaluations_total",
		Help:      "Risk evaluations by kind and outcome (scored, degraded).",
	}, []string{"kind", "outcome"})

	flagsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "risk",
		Name:      "flags_total",
		Help:      "Risk flags raised, by flag.",
	}, []string{"flag"})

	scoreHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "secmon",
		Subsystem: "risk",
		Name:      "score",
		Help:      "Distribution of risk scores by kind.",
		Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	}, []string{"kind"})

	evaluationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "secmon",
		Subsystem: "risk",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating, including history reads and the record append.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		evaluationsTotal,
		flagsTotal,
		scoreHistogram,
		evaluationDuration,
	)
}
