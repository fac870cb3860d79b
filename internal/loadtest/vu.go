package loadtest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/chakload/chakload/internal/loadtest/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU has not started its loop yet.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is issuing requests.
	VUStateRunning
	// VUStateStopping indicates the VU saw cancellation or the deadline and is leaving its loop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sink receives the outcome of every request a VU makes. It reports false
// once it no longer accepts records.
type Sink interface {
	Append(r metrics.OutcomeRecord) bool
}

// VirtualUser is one simulated client. It issues paced requests through its
// own session until the run deadline.
type VirtualUser struct {
	ID int

	executor *RequestExecutor
	session  Session
	sink     Sink
	observer metrics.Observer
	interval time.Duration

	state  atomic.Int32
	doneCh chan struct{}
}

// NewVirtualUser creates a VU. observer may be nil.
func NewVirtualUser(id int, executor *RequestExecutor, session Session, sink Sink, observer metrics.Observer, interval time.Duration) *VirtualUser {
	return &VirtualUser{
		ID:       id,
		executor: executor,
		session:  session,
		sink:     sink,
		observer: observer,
		interval: interval,
		doneCh:   make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// Run loops until deadline or until stop is cancelled.
//
// stop is checked before every request and interrupts the pause between
// requests. reqCtx is attached to the requests themselves, so a request that
// is already in flight when stop fires still completes and is recorded.
// The pause is clamped to the time left, so no request starts after deadline.
func (vu *VirtualUser) Run(stop, reqCtx context.Context, deadline time.Time) {
	defer vu.markStopped()

	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if stop.Err() != nil || !time.Now().Before(deadline) {
			break
		}

		record := vu.executor.Execute(reqCtx, vu.session, vu.ID)
		if !vu.sink.Append(record) {
			break
		}
		if vu.observer != nil {
			vu.observer.ObserveOutcome(record)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pause := vu.interval
		if pause > remaining {
			pause = remaining
		}
		if pause <= 0 {
			continue
		}

		if timer == nil {
			timer = time.NewTimer(pause)
		} else {
			timer.Reset(pause)
		}
		select {
		case <-stop.Done():
		case <-timer.C:
		}
	}

	vu.state.Store(int32(VUStateStopping))
}

func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(VUStateStopped))
	select {
	case <-vu.doneCh:
	default:
		close(vu.doneCh)
	}
}

// Done is closed when the VU has stopped.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}
