package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the admission counters. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	challengesIssued prometheus.Counter
	outcomes         *prometheus.CounterVec
	sweepRemoved     prometheus.Counter
	sweepDuration    prometheus.Histogram
	fanoutTargets    *prometheus.CounterVec
	eventsReceived   *prometheus.CounterVec

	registerOnce sync.Once
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.Register(registry)
	return m
}

// Register creates the collectors on registry. Later calls are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.challengesIssued = factory.NewCounter(prometheus.CounterOpts{
			Name: "joingate_challenges_issued_total",
			Help: "Total number of captcha challenges delivered",
		})
		m.outcomes = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joingate_admission_outcomes_total",
			Help: "Admission controller outcomes by kind",
		}, []string{"kind"})
		m.sweepRemoved = factory.NewCounter(prometheus.CounterOpts{
			Name: "joingate_sweep_removed_total",
			Help: "Expired pending challenges retired by the sweeper",
		})
		m.sweepDuration = factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "joingate_sweep_duration_seconds",
			Help:    "Duration of sweep passes",
			Buckets: prometheus.DefBuckets,
		})
		m.fanoutTargets = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joingate_fanout_targets_total",
			Help: "Federated fan-out per-target results",
		}, []string{"result"})
		m.eventsReceived = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "joingate_events_received_total",
			Help: "Inbound events by type and source",
		}, []string{"type", "source"})
	})
}

func (m *Metrics) ChallengeIssued() {
	if m == nil || m.challengesIssued == nil {
		return
	}
	m.challengesIssued.Inc()
}

func (m *Metrics) Outcome(kind string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(kind).Inc()
}

func (m *Metrics) SweepPass(removed int, seconds float64) {
	if m == nil || m.sweepRemoved == nil {
		return
	}
	m.sweepRemoved.Add(float64(removed))
	m.sweepDuration.Observe(seconds)
}

func (m *Metrics) FanoutResult(ok, failed int) {
	if m == nil || m.fanoutTargets == nil {
		return
	}
	m.fanoutTargets.WithLabelValues("ok").Add(float64(ok))
	m.fanoutTargets.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) EventReceived(eventType, source string) {
	if m == nil || m.eventsReceived == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType, source).Inc()
}
