package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set holds the pipeline's Prometheus collectors. One Set is created at
// startup and threaded into the ingestion path, worker pool and reconciler.
type Set struct {
	EventsRecorded      prometheus.Counter
	TransitionsRejected prometheus.Counter

	AnchorSubmissions   *prometheus.CounterVec
	AnchorConfirmations *prometheus.CounterVec
	AnchorRetries       prometheus.Counter
	AnchorFailures      *prometheus.CounterVec

	ClaimsReleased prometheus.Counter
	StuckSubmitted prometheus.Gauge
}

// NewSet builds and registers the collectors. Passing a fresh registry keeps
// tests independent; main passes prometheus.DefaultRegisterer.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		EventsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freightd_status_events_recorded_total",
			Help: "Total number of shipment status events durably recorded",
		}),
		TransitionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freightd_status_transitions_rejected_total",
			Help: "Total number of status proposals rejected by the transition policy",
		}),
		AnchorSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freightd_anchor_submissions_total",
			Help: "Ledger submission outcomes by result",
		}, []string{"result"}),
		AnchorConfirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freightd_anchor_confirmations_total",
			Help: "Confirmation poll outcomes by result",
		}, []string{"result"}),
		AnchorRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freightd_anchor_retries_total",
			Help: "Total number of anchor attempts rescheduled with backoff",
		}),
		AnchorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freightd_anchor_failures_total",
			Help: "Anchor requests moved to the terminal FAILED state, by reason",
		}, []string{"reason"}),
		ClaimsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freightd_anchor_claims_released_total",
			Help: "Outbox claims released after their holder went silent",
		}),
		StuckSubmitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "freightd_anchor_stuck_submitted",
			Help: "Anchor requests sitting in SUBMITTED beyond the staleness threshold",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			s.EventsRecorded,
			s.TransitionsRejected,
			s.AnchorSubmissions,
			s.AnchorConfirmations,
			s.AnchorRetries,
			s.AnchorFailures,
			s.ClaimsReleased,
			s.StuckSubmitted,
		)
	}
	return s
}
