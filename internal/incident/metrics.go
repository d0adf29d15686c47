package incident

import "github.com/prometheus/client_golang/prometheus"

var (
	incidentsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "incident",
		Name:      "opened_total",
		Help:      "Incidents opened by type and severity.",
	}, []string{"type", "severity"})

	incidentsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "incident",
		Name:      "resolved_total",
		Help:      "Incidents resolved.",
	})

	lockoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "incident",
		Name:      "lockouts_total",
		Help:      "Account lockouts created, by reason.",
	}, []string{"reason"})

	unlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "incident",
		Name:      "unlocks_total",
		Help:      "Lockouts ended, by how (expired, manual).",
	}, []string{"how"})

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "incident",
		Name:      "audit_failures_total",
		Help:      "Lockout or incident changes that could not be written to the audit log.",
	})
)

func init() {
	prometheus.MustRegister(
		incidentsOpened,
		incidentsResolved,
		lockoutsTotal,
		unlocksTotal,
		auditFailures,
	)
}
