package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_ObserveOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "web-site")

	p.ObserveOutcome(OutcomeRecord{StatusCode: 200, ResponseTime: 20 * time.Millisecond, Size: 100})
	p.ObserveOutcome(OutcomeRecord{StatusCode: 200, ResponseTime: 40 * time.Millisecond, Size: 50})
	p.ObserveOutcome(OutcomeRecord{StatusCode: 503, ResponseTime: 5 * time.Millisecond, Size: 10})
	p.ObserveOutcome(OutcomeRecord{Error: "dial tcp: connection refused", Category: "connection_refused"})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.requests.WithLabelValues(string(OutcomeSuccess))))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues(string(OutcomeFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues(string(OutcomeError))))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.statusCodes.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.statusCodes.WithLabelValues("503")))
	assert.Equal(t, 160.0, testutil.ToFloat64(p.bytes))

	// Only the three records with a response are timed.
	assert.Equal(t, 1, testutil.CollectAndCount(p.latency))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "chakload_response_time_seconds" {
			assert.Equal(t, uint64(3), mf.GetMetric()[0].GetHistogram().GetSampleCount())
			assert.Equal(t, "test_type", mf.GetMetric()[0].GetLabel()[0].GetName())
		}
	}
}

func TestPrometheus_UsersAndPhase(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "api-endpoint")

	p.SetActiveUsers(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(p.activeUsers))

	tests := []struct {
		phase Phase
		want  float64
	}{
		{PhaseInit, 0},
		{PhaseRampUp, 1},
		{PhaseSteady, 2},
		{PhaseDraining, 3},
		{PhaseDone, 4},
	}
	for _, tt := range tests {
		p.SetPhase(tt.phase)
		assert.Equal(t, tt.want, testutil.ToFloat64(p.phase), "phase %s", tt.phase)
	}
}

func TestNewPrometheus_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheus(reg, "web-site")

	assert.Panics(t, func() {
		NewPrometheus(reg, "web-site")
	})
}

func TestPrometheus_ResponsesExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "web-site")

	p.ObserveOutcome(OutcomeRecord{ResponseTime: 10 * time.Millisecond, StatusCode: 200, Size: 100})
	p.ObserveOutcome(OutcomeRecord{ResponseTime: 10 * time.Millisecond, StatusCode: 200, Size: 100})
	p.ObserveOutcome(OutcomeRecord{ResponseTime: 10 * time.Millisecond, StatusCode: 503, Size: 10})
	p.ObserveOutcome(OutcomeRecord{Error: "refused", Category: "connection_refused"})

	expected := `
# HELP chakload_responses_total HTTP responses by status code
# TYPE chakload_responses_total counter
chakload_responses_total{code="200",test_type="web-site"} 2
chakload_responses_total{code="503",test_type="web-site"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "chakload_responses_total")
	assert.NoError(t, err)
}
