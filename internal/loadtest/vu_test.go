package loadtest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chakload/chakload/internal/loadtest/metrics"
)

func newTestVU(t *testing.T, session Session, sink Sink, interval time.Duration) *VirtualUser {
	t.Helper()
	executor, err := NewRequestExecutor(webSiteConfig("http://loadtest.invalid", 1, time.Second))
	require.NoError(t, err)
	return NewVirtualUser(3, executor, session, sink, nil, interval)
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state VUState
		want  string
	}{
		{VUStateIdle, "idle"},
		{VUStateRunning, "running"},
		{VUStateStopping, "stopping"},
		{VUStateStopped, "stopped"},
		{VUState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VUState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestVirtualUser_ExpiredDeadlineProducesNothing(t *testing.T) {
	session := newFakeSession(nil)
	collector := metrics.NewCollector(0)
	vu := newTestVU(t, session, collector, 100*time.Millisecond)

	vu.Run(context.Background(), context.Background(), time.Now().Add(-time.Second))

	assert.Equal(t, 0, collector.Len())
	assert.Equal(t, int32(0), session.calls.Load())
	assert.Equal(t, VUStateStopped, vu.GetState())
	select {
	case <-vu.Done():
	default:
		t.Error("Done() not closed after Run")
	}
}

func TestVirtualUser_PacesUntilDeadline(t *testing.T) {
	session := newFakeSession(nil)
	collector := metrics.NewCollector(0)
	vu := newTestVU(t, session, collector, 100*time.Millisecond)

	deadline := time.Now().Add(350 * time.Millisecond)
	vu.Run(context.Background(), context.Background(), deadline)
	finished := time.Now()

	records := collector.Seal()
	assert.GreaterOrEqual(t, len(records), 3)
	assert.LessOrEqual(t, len(records), 5)
	assert.Equal(t, int32(len(records)), session.calls.Load())
	for _, r := range records {
		assert.Equal(t, 3, r.UserID)
		assert.Equal(t, http.StatusOK, r.StatusCode)
	}
	for _, at := range session.callTimes() {
		assert.True(t, at.Before(deadline), "request started after deadline")
	}
	assert.Less(t, finished.Sub(deadline), 50*time.Millisecond, "slept past deadline")
}

func TestVirtualUser_StopInterruptsPause(t *testing.T) {
	session := newFakeSession(nil)
	collector := metrics.NewCollector(0)
	vu := newTestVU(t, session, collector, 10*time.Second)

	stop, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	vu.Run(stop, context.Background(), time.Now().Add(30*time.Second))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, collector.Len())
	assert.Equal(t, VUStateStopped, vu.GetState())
}

func TestVirtualUser_InFlightRequestCompletesAfterStop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	session := newFakeSession(func(req *http.Request) (*http.Response, error) {
		close(started)
		<-release
		if err := req.Context().Err(); err != nil {
			return nil, err
		}
		return okResponse(), nil
	})
	collector := metrics.NewCollector(0)
	vu := newTestVU(t, session, collector, time.Second)

	stop, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		vu.Run(stop, context.Background(), time.Now().Add(30*time.Second))
	}()

	<-started
	cancel()
	close(release)
	<-done

	records := collector.Seal()
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusOK, records[0].StatusCode)
	assert.Empty(t, records[0].Error)
}

func TestVirtualUser_StopsWhenSinkIsSealed(t *testing.T) {
	session := newFakeSession(nil)
	collector := metrics.NewCollector(0)
	collector.Seal()
	vu := newTestVU(t, session, collector, time.Millisecond)

	vu.Run(context.Background(), context.Background(), time.Now().Add(10*time.Second))

	assert.Equal(t, int32(1), session.calls.Load())
	assert.Equal(t, 1, collector.Dropped())
}

func TestVirtualUser_TransportFailuresAreRecorded(t *testing.T) {
	session := newFakeSession(func(*http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})
	collector := metrics.NewCollector(0)
	vu := newTestVU(t, session, collector, 20*time.Millisecond)

	vu.Run(context.Background(), context.Background(), time.Now().Add(100*time.Millisecond))

	records := collector.Seal()
	require.NotEmpty(t, records)
	for _, r := range records {
		assert.Equal(t, 0, r.StatusCode)
		assert.Equal(t, CategoryTimeout, r.Category)
		assert.Equal(t, metrics.OutcomeError, r.Outcome())
	}
}

func TestVirtualUser_RunsOnce(t *testing.T) {
	session := newFakeSession(nil)
	vu := newTestVU(t, session, metrics.NewCollector(0), time.Millisecond)

	vu.Run(context.Background(), context.Background(), time.Now().Add(-time.Second))
	vu.Run(context.Background(), context.Background(), time.Now().Add(time.Second))

	assert.Equal(t, int32(0), session.calls.Load())
	select {
	case <-vu.Done():
	default:
		t.Error("Done() not closed after Run")
	}
}
