package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "incidentline"

const (
	OutcomeResolved = "resolved"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

var (
	stepsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_steps_appended_total",
			Help:      "Reasoning steps appended to session logs, by step type.",
		},
		[]string{"type"},
	)

	stepsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_steps_deduplicated_total",
			Help:      "Reasoning steps discarded as duplicates of an earlier step.",
		},
	)

	subscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Currently connected stream subscribers.",
		},
	)

	subscribersDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_subscribers_dropped_total",
			Help:      "Subscribers disconnected because their buffer overflowed.",
		},
	)

	ticketsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_created_total",
			Help:      "Tickets opened, by priority.",
		},
		[]string{"priority"},
	)

	snapshotFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_snapshot_failures_total",
			Help:      "Ticket snapshot writes that failed.",
		},
	)

	resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Resolution attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	resolutionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_seconds",
			Help:      "Resolution attempt latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	runbookStepAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runbook_step_attempts_total",
			Help:      "Runbook step attempts, by step kind and result.",
		},
		[]string{"kind", "status"},
	)

	analysisModeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_sessions_total",
			Help:      "Analysis sessions, by aggregation mode.",
		},
		[]string{"mode"},
	)
)

// Register attaches incidentline collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		stepsAppendedTotal,
		stepsDeduplicatedTotal,
		subscribersActive,
		subscribersDroppedTotal,
		ticketsCreatedTotal,
		snapshotFailuresTotal,
		resolutionsTotal,
		resolutionDurationSeconds,
		runbookStepAttemptsTotal,
		analysisModeTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func StepAppended(stepType string) { stepsAppendedTotal.WithLabelValues(stepType).Inc() }

func StepDeduplicated() { stepsDeduplicatedTotal.Inc() }

func SubscriberConnected() { subscribersActive.Inc() }

func SubscriberDisconnected() { subscribersActive.Dec() }

func SubscriberDropped() { subscribersDroppedTotal.Inc() }

func TicketCreated(priority string) { ticketsCreatedTotal.WithLabelValues(priority).Inc() }

func SnapshotFailed() { snapshotFailuresTotal.Inc() }

func RunbookStepAttempt(kind, status string) {
	runbookStepAttemptsTotal.WithLabelValues(kind, status).Inc()
}

func AnalysisMode(mode string) { analysisModeTotal.WithLabelValues(mode).Inc() }

// ObserveResolution records a resolution duration and outcome label.
func ObserveResolution(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeResolved, OutcomeTimeout, OutcomeCanceled:
	default:
		outcome = OutcomeFailed
	}
	resolutionsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	resolutionDurationSeconds.Observe(duration.Seconds())
}
