package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	appendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "audit",
		Name:      "appends_total",
		Help:      "Audit appends by result (created, replayed, failed).",
	}, []string{"result"})

	appendRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "audit",
		Name:      "append_retries_total",
		Help:      "Audit append attempts beyond the first.",
	})

	verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "audit",
		Name:      "verifications_total",
		Help:      "Chain verifications by result (intact, corrupted, error).",
	}, []string{"result"})

	brokenEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "secmon",
		Subsystem: "audit",
		Name:      "broken_entries",
		Help:      "Broken entries found by the most recent full-chain verification.",
	})
)

func init() {
	prometheus.MustRegister(
		appendsTotal,
		appendRetriesTotal,
		verificationsTotal,
		brokenEntries,
	)
}
