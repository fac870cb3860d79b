package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Phase is the stage a run is in.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseDraining Phase = "draining"
	PhaseDone     Phase = "done"
)

// Observer receives run events as they happen. Implementations must be safe
// for concurrent use; ObserveOutcome is called from every virtual user.
type Observer interface {
	ObserveOutcome(r OutcomeRecord)
	SetActiveUsers(n int)
	SetPhase(p Phase)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) ObserveOutcome(r OutcomeRecord) {
	for _, obs := range o {
		obs.ObserveOutcome(r)
	}
}

func (o Observers) SetActiveUsers(n int) {
	for _, obs := range o {
		obs.SetActiveUsers(n)
	}
}

func (o Observers) SetPhase(p Phase) {
	for _, obs := range o {
		obs.SetPhase(p)
	}
}

// Live tracks approximate statistics while a run is in progress.
//
// Latencies go into an HDR histogram so percentiles are O(1) to read while
// virtual users keep recording. The exact, index-based statistics of a
// finished run come from Aggregate; Live is for progress reporting only.
//
// # Thread Safety
//
// Counters are atomic and the histogram is mutex protected.
type Live struct {
	// Range: 1 microsecond to 1 hour, 3 significant figures
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	errorRequests   atomic.Int64
	totalBytes      atomic.Int64

	activeUsers atomic.Int32

	phase   Phase
	phaseMu sync.RWMutex

	startTime time.Time
}

const (
	histogramMin     = 1
	histogramMax     = 3600000000 // 1 hour in microseconds
	histogramSigFigs = 3
)

// NewLive creates a live tracker with its clock started now.
func NewLive() *Live {
	return &Live{
		latencyHist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
		phase:       PhaseInit,
		startTime:   time.Now(),
	}
}

// ObserveOutcome records one request outcome.
func (l *Live) ObserveOutcome(r OutcomeRecord) {
	l.totalRequests.Add(1)
	l.totalBytes.Add(r.Size)

	switch r.Outcome() {
	case OutcomeSuccess:
		l.successRequests.Add(1)
	case OutcomeFailed:
		l.failedRequests.Add(1)
	default:
		l.errorRequests.Add(1)
	}

	// Transport failures have no latency.
	if r.ResponseTime <= 0 {
		return
	}

	micros := r.ResponseTime.Microseconds()
	if micros < histogramMin {
		micros = histogramMin
	}
	if micros > histogramMax {
		micros = histogramMax
	}

	// RecordValue is not thread-safe.
	l.latencyHistMu.Lock()
	_ = l.latencyHist.RecordValue(micros)
	l.latencyHistMu.Unlock()
}

// SetActiveUsers updates the active virtual user count.
func (l *Live) SetActiveUsers(n int) {
	l.activeUsers.Store(int32(n))
}

// SetPhase records the current run phase.
func (l *Live) SetPhase(p Phase) {
	l.phaseMu.Lock()
	defer l.phaseMu.Unlock()
	l.phase = p
}

// GetPhase returns the current run phase.
func (l *Live) GetPhase() Phase {
	l.phaseMu.RLock()
	defer l.phaseMu.RUnlock()
	return l.phase
}

// LiveSnapshot is a point-in-time view of a running test.
type LiveSnapshot struct {
	TotalRequests   int64         `json:"totalRequests"`
	SuccessRequests int64         `json:"successRequests"`
	FailedRequests  int64         `json:"failedRequests"`
	ErrorRequests   int64         `json:"errorRequests"`
	TotalBytes      int64         `json:"totalBytes"`
	RPS             float64       `json:"rps"`
	ErrorRate       float64       `json:"errorRate"`
	Latency         LatencyStats  `json:"latency"`
	ActiveUsers     int           `json:"activeUsers"`
	Phase           Phase         `json:"phase"`
	Elapsed         time.Duration `json:"elapsed"`
}

// LatencyStats contains approximate latency statistics.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int64         `json:"count"`
}

// Snapshot returns the current statistics.
func (l *Live) Snapshot() LiveSnapshot {
	l.latencyHistMu.Lock()
	latency := LatencyStats{
		Min:   time.Duration(l.latencyHist.Min()) * time.Microsecond,
		Max:   time.Duration(l.latencyHist.Max()) * time.Microsecond,
		Mean:  time.Duration(l.latencyHist.Mean()) * time.Microsecond,
		P50:   time.Duration(l.latencyHist.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(l.latencyHist.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(l.latencyHist.ValueAtQuantile(99)) * time.Microsecond,
		Count: l.latencyHist.TotalCount(),
	}
	l.latencyHistMu.Unlock()

	elapsed := time.Since(l.startTime)
	total := l.totalRequests.Load()
	failed := l.failedRequests.Load()
	errored := l.errorRequests.Load()

	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(total) / elapsed.Seconds()
	}

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed+errored) / float64(total) * 100
	}

	return LiveSnapshot{
		TotalRequests:   total,
		SuccessRequests: l.successRequests.Load(),
		FailedRequests:  failed,
		ErrorRequests:   errored,
		TotalBytes:      l.totalBytes.Load(),
		RPS:             rps,
		ErrorRate:       errorRate,
		Latency:         latency,
		ActiveUsers:     int(l.activeUsers.Load()),
		Phase:           l.GetPhase(),
		Elapsed:         elapsed,
	}
}
