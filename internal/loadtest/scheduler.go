package loadtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chakload/chakload/internal/loadtest/metrics"
	"github.com/chakload/chakload/internal/logging"
)

// ErrAlreadyRunning is returned by Run when the scheduler is busy with another run.
var ErrAlreadyRunning = errors.New("load test already running")

// RunOutput is what a finished run produced.
type RunOutput struct {
	Records   []metrics.OutcomeRecord
	StartTime time.Time
	Elapsed   time.Duration

	// Stragglers is the number of users still running when the run was
	// sealed. Their later results were discarded.
	Stragglers int
}

// Scheduler runs the virtual users of a load test.
//
// It provides:
// - one session per user, created before any request is sent
// - a bounded worker pool of min(users, PoolCeiling) workers
// - staggered user start over the ramp-up window
// - a hard deadline and a two-step graceful join
//
// A Scheduler runs one test at a time.
type Scheduler struct {
	settings Settings
	factory  SessionFactory
	observer metrics.Observers
	logger   logrus.FieldLogger

	active atomic.Bool

	mu   sync.Mutex
	stop context.CancelFunc
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSessionFactory replaces the default HTTP session factory.
func WithSessionFactory(f SessionFactory) SchedulerOption {
	return func(s *Scheduler) {
		s.factory = f
	}
}

// WithObserver adds an observer notified of every outcome and user count change.
func WithObserver(o metrics.Observer) SchedulerOption {
	return func(s *Scheduler) {
		s.observer = append(s.observer, o)
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(settings Settings, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		settings: settings,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		s.factory = NewHTTPSessionFactory(settings, s.logger)
	}
	return s
}

// Active reports whether a run is in progress.
func (s *Scheduler) Active() bool {
	return s.active.Load()
}

// Stop asks the current run to end early. Users finish their in-flight
// request and exit at their next iteration boundary.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}

// Run executes cfg and returns every outcome collected before the run was sealed.
//
// Cancelling ctx behaves like Stop. The only errors are an invalid
// configuration, ErrAlreadyRunning, a session that could not be created, or
// a worker that panicked. Request failures are part of the output.
func (s *Scheduler) Run(ctx context.Context, cfg *TestConfig) (*RunOutput, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !s.active.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	// Registered first so it runs last.
	defer s.active.Store(false)

	executor, err := NewRequestExecutor(cfg)
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithField("test_type", cfg.TestType)

	sessions, err := s.openSessions(cfg.Users)
	if err != nil {
		return nil, err
	}
	defer s.closeSessions(logger, sessions)

	stopCtx, cancelStop := context.WithCancel(ctx)
	defer cancelStop()
	s.mu.Lock()
	s.stop = cancelStop
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stop = nil
		s.mu.Unlock()
	}()

	// Requests outlive the stop token; they are only aborted when
	// stragglers have to be finalized.
	reqCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	interval := s.settings.PacingInterval(cfg.TestType, cfg.Users)
	collector := metrics.NewCollector(estimateRecords(cfg, interval))

	vus := make([]*VirtualUser, cfg.Users)
	for i := range vus {
		vus[i] = NewVirtualUser(i, executor, sessions[i], collector, s.observer, interval)
	}

	poolSize := s.settings.PoolSize(cfg.Users)
	offsets := s.settings.StartOffsets(cfg.Users, cfg.RampUp)

	start := time.Now()
	deadline := start.Add(cfg.Duration)

	logger.WithFields(logrus.Fields{
		"users":    cfg.Users,
		"workers":  poolSize,
		"duration": cfg.Duration,
		"ramp_up":  cfg.RampUp,
		"interval": interval,
	}).Info("starting load test")

	if cfg.RampUp > 0 && cfg.Users > 1 {
		s.observer.SetPhase(metrics.PhaseRampUp)
	} else {
		s.observer.SetPhase(metrics.PhaseSteady)
	}

	g, gctx := errgroup.WithContext(stopCtx)
	jobs := make(chan int, cfg.Users)
	active := &activeUsers{observer: s.observer}

	g.Go(func() error {
		defer close(jobs)
		s.dispatch(gctx, jobs, offsets, start, deadline)
		if gctx.Err() == nil && time.Now().Before(deadline) {
			s.observer.SetPhase(metrics.PhaseSteady)
		}
		return nil
	})

	for w := 0; w < poolSize; w++ {
		g.Go(func() error {
			for idx := range jobs {
				if err := s.runUser(gctx, reqCtx, vus[idx], deadline, active); err != nil {
					return err
				}
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	finished, runErr := s.join(logger, done, deadline, abort)
	records := collector.Seal()
	elapsed := time.Since(start)
	s.observer.SetPhase(metrics.PhaseDone)

	out := &RunOutput{
		Records:   records,
		StartTime: start,
		Elapsed:   elapsed,
	}
	if !finished {
		stragglers := inFlight(vus)
		out.Stragglers = len(stragglers)
		if len(stragglers) > 0 {
			logger.WithField("stragglers", out.Stragglers).Warn("users still running after finalize grace, their results are discarded")
			go reportDropped(logger, collector, stragglers)
		}
	}

	if runErr != nil {
		return nil, errors.Wrap(runErr, "run virtual users")
	}

	logger.WithFields(logrus.Fields{
		"records": len(records),
		"elapsed": elapsed,
	}).Info("load test finished")

	return out, nil
}

// dispatch queues every user index, waiting for each start offset. Once the
// deadline has passed or the run is stopped, remaining users are queued at
// once; they find no time left and exit without requests.
func (s *Scheduler) dispatch(ctx context.Context, jobs chan<- int, offsets []time.Duration, start, deadline time.Time) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	waiting := true
	for i, offset := range offsets {
		if waiting {
			at := start.Add(offset)
			if !at.Before(deadline) {
				waiting = false
			} else if wait := time.Until(at); wait > 0 {
				timer.Reset(wait)
				select {
				case <-ctx.Done():
					waiting = false
				case <-timer.C:
				}
			}
		}
		jobs <- i
	}
}

func (s *Scheduler) runUser(stop, reqCtx context.Context, vu *VirtualUser, deadline time.Time, active *activeUsers) (err error) {
	active.add(1)
	defer func() {
		active.add(-1)
		if r := recover(); r != nil {
			err = fmt.Errorf("virtual user %d panicked: %v", vu.ID, r)
		}
	}()

	vu.Run(stop, reqCtx, deadline)
	return nil
}

// activeUsers counts running users. The count is published while the lock
// is held, so the last value an observer sees is the current one.
type activeUsers struct {
	mu       sync.Mutex
	n        int
	observer metrics.Observer
}

func (a *activeUsers) add(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n += delta
	a.observer.SetActiveUsers(a.n)
}

// inFlight returns the users that started and have not returned yet. Users
// still queued behind the pool are idle and not included.
func inFlight(vus []*VirtualUser) []*VirtualUser {
	var out []*VirtualUser
	for _, vu := range vus {
		switch vu.GetState() {
		case VUStateRunning, VUStateStopping:
			out = append(out, vu)
		}
	}
	return out
}

// reportDropped waits for the stragglers of a sealed run to return and logs
// how many of their records the collector rejected.
func reportDropped(logger logrus.FieldLogger, collector *metrics.Collector, stragglers []*VirtualUser) {
	for _, vu := range stragglers {
		<-vu.Done()
	}
	logger.WithFields(logrus.Fields{
		"stragglers": len(stragglers),
		"dropped":    collector.Dropped(),
	}).Warn("stragglers finished, late results dropped")
}

// join waits for the workers. It gives them until deadline+JoinGrace, then
// aborts in-flight requests and waits at most FinalizeGrace more. It reports
// whether every worker returned.
func (s *Scheduler) join(logger logrus.FieldLogger, done <-chan error, deadline time.Time, abort context.CancelFunc) (bool, error) {
	grace := time.NewTimer(time.Until(deadline.Add(s.settings.JoinGrace)))
	defer grace.Stop()

	select {
	case err := <-done:
		return true, err
	case <-grace.C:
	}

	logger.WithField("finalize_grace", s.settings.FinalizeGrace).Warn("join grace expired, aborting in-flight requests")
	s.observer.SetPhase(metrics.PhaseDraining)
	abort()

	finalize := time.NewTimer(s.settings.FinalizeGrace)
	defer finalize.Stop()

	select {
	case err := <-done:
		return true, err
	case <-finalize.C:
		return false, nil
	}
}

func (s *Scheduler) openSessions(users int) ([]Session, error) {
	sessions := make([]Session, 0, users)
	for i := 0; i < users; i++ {
		session, err := s.factory(i)
		if err != nil {
			s.closeSessions(s.logger, sessions)
			return nil, errors.Wrapf(err, "create session for user %d", i)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// closeSessions releases every session. Errors are logged and dropped so
// they cannot mask the run result.
func (s *Scheduler) closeSessions(logger logrus.FieldLogger, sessions []Session) {
	for i, session := range sessions {
		if err := session.Close(); err != nil {
			logger.WithError(err).WithField("user", i).Debug("closing session failed")
		}
	}
}

// estimateRecords sizes the collector for a user that never waits on the
// server, capped to keep the up-front allocation small.
func estimateRecords(cfg *TestConfig, interval time.Duration) int {
	const maxHint = 1 << 16
	if interval <= 0 {
		return maxHint
	}
	perUser := int(cfg.Duration/interval) + 1
	hint := perUser * cfg.Users
	if hint > maxHint || hint < 0 {
		return maxHint
	}
	return hint
}
