package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.Register(registry)

	m.ChallengeIssued()
	m.Outcome("approved")
	m.Outcome("approved")
	m.SweepPass(3, 0.01)
	m.FanoutResult(2, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.challengesIssued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("approved")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepRemoved))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fanoutTargets.WithLabelValues("failed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ChallengeIssued()
	m.Outcome("x")
	m.SweepPass(1, 1)
	m.FanoutResult(1, 1)
	m.EventReceived("callback", "http")
}
