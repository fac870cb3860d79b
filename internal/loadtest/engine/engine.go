// Package engine ties a load test run together: validation, scheduling,
// live metrics and the final aggregation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/chakload/chakload/internal/loadtest"
	"github.com/chakload/chakload/internal/loadtest/metrics"
	"github.com/chakload/chakload/internal/logging"
)

// Engine is the entry point for running load tests.
//
// Example usage:
//
//	eng := engine.New(loadtest.DefaultSettings())
//	results, err := eng.Run(ctx, &loadtest.TestConfig{...})
//
// An Engine runs one test at a time; Run returns loadtest.ErrAlreadyRunning
// while another run is in progress.
type Engine struct {
	settings   loadtest.Settings
	logger     logrus.FieldLogger
	registerer prometheus.Registerer
	factory    loadtest.SessionFactory
	observers  []metrics.Observer

	mu      sync.RWMutex
	running bool
	runID   string
	live    *metrics.Live
	cancel  context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRegisterer exports run metrics to reg. Every run registers its own
// collectors, distinguished by a run_id label.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithSessionFactory replaces the HTTP session factory.
func WithSessionFactory(f loadtest.SessionFactory) Option {
	return func(e *Engine) {
		e.factory = f
	}
}

// WithObserver adds an observer to every run.
func WithObserver(o metrics.Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// New creates an engine.
func New(settings loadtest.Settings, opts ...Option) *Engine {
	e := &Engine{
		settings: settings,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes cfg and returns its aggregated results.
//
// Configuration errors are returned before anything starts and match
// loadtest.ErrInvalidConfig. Cancelling ctx ends the run early; the results
// then cover what was collected so far.
func (e *Engine) Run(ctx context.Context, cfg *loadtest.TestConfig) (*metrics.TestResults, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, loadtest.ErrAlreadyRunning
	}
	runID := uuid.NewString()
	live := metrics.NewLive()
	logger := e.logger.WithField("run_id", runID)

	opts := []loadtest.SchedulerOption{
		loadtest.WithLogger(logger),
		loadtest.WithObserver(live),
	}
	if e.registerer != nil {
		reg := prometheus.WrapRegistererWith(prometheus.Labels{"run_id": runID}, e.registerer)
		opts = append(opts, loadtest.WithObserver(metrics.NewPrometheus(reg, string(cfg.TestType))))
	}
	for _, o := range e.observers {
		opts = append(opts, loadtest.WithObserver(o))
	}
	if e.factory != nil {
		opts = append(opts, loadtest.WithSessionFactory(e.factory))
	}
	scheduler := loadtest.NewScheduler(e.settings, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.running = true
	e.runID = runID
	e.live = live
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	logger.WithFields(logrus.Fields{
		"target":    cfg.TargetURL,
		"test_type": cfg.TestType,
	}).Debug("run accepted")

	out, err := scheduler.Run(runCtx, cfg)
	if err != nil {
		logger.WithError(err).Error("load test failed")
		return nil, err
	}

	results := metrics.Aggregate(out.Records, out.Elapsed, cfg.Duration)
	results.RunID = runID

	logger.WithFields(logrus.Fields{
		"total":      results.TotalRequests,
		"rps":        results.RequestsPerSecond,
		"error_rate": results.ErrorRate,
		"p95":        results.P95ResponseTime,
		"stragglers": out.Stragglers,
		"elapsed":    out.Elapsed.Round(time.Millisecond),
	}).Info("results aggregated")

	return &results, nil
}

// Stop ends the current run early. It is a no-op when nothing is running.
func (e *Engine) Stop() {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
}

// IsRunning reports whether a run is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// RunID returns the id of the current or most recent run.
func (e *Engine) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// Snapshot returns live statistics of the current or most recent run.
// ok is false before the first run.
func (e *Engine) Snapshot() (snap metrics.LiveSnapshot, ok bool) {
	e.mu.RLock()
	live := e.live
	e.mu.RUnlock()

	if live == nil {
		return metrics.LiveSnapshot{}, false
	}
	return live.Snapshot(), true
}
