// Package scheduler triggers the harvest cycle once a day at a fixed local
// time and guarantees that at most one cycle runs at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/config"
)

// ErrCycleRunning is returned by TryRunNow while a cycle is in flight.
var ErrCycleRunning = errors.New("cycle already running")

// Job is one cycle.
type Job func(ctx context.Context) error

// State is the scheduler's run state.
type State int32

// Run states.
const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Config sets the daily trigger.
type Config struct {
	// At is the trigger time as "HH:MM".
	At string
	// PollInterval is how often the loop checks for a due trigger.
	PollInterval time.Duration
	// Location is the zone At is read in. Nil means local time.
	Location *time.Location
}

// Scheduler runs Job daily at Config.At.
type Scheduler struct {
	hour, minute int
	poll         time.Duration
	loc          *time.Location
	job          Job
	clock        clockwork.Clock
	logger       *zap.Logger

	state atomic.Int32
	wg    sync.WaitGroup

	mu      sync.Mutex
	next    time.Time
	lastRun time.Time
	lastErr error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New parses cfg.At and computes the first trigger.
func New(cfg Config, job Job, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("scheduler: job is required")
	}
	hour, minute, err := config.ParseClock(cfg.At)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		hour:   hour,
		minute: minute,
		poll:   cfg.PollInterval,
		loc:    cfg.Location,
		job:    job,
		clock:  clockwork.NewRealClock(),
		logger: logger.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.next = s.nextAfter(s.clock.Now())
	return s, nil
}

// nextAfter returns the first HH:MM strictly after t.
func (s *Scheduler) nextAfter(t time.Time) time.Time {
	local := t.In(s.loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !candidate.After(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return candidate
}

// NextRun is the next scheduled trigger.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// LastRun is the start time of the most recent cycle, scheduled or manual.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

// State reports whether a cycle is in flight.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// RunPending runs the job synchronously when the trigger is due and no cycle
// is running. A due trigger found while Running is left in place and fires on
// the first poll after the running cycle ends. It reports whether the job ran.
func (s *Scheduler) RunPending(ctx context.Context) bool {
	now := s.clock.Now()
	s.mu.Lock()
	due := !now.Before(s.next)
	s.mu.Unlock()
	if !due {
		return false
	}
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		s.logger.Info("cycle in progress, deferring scheduled trigger")
		return false
	}
	defer s.state.Store(int32(Idle))

	s.execute(ctx, "schedule")

	s.mu.Lock()
	s.next = s.nextAfter(s.clock.Now())
	next := s.next
	s.mu.Unlock()
	s.logger.Info("next cycle scheduled", zap.Time("next_run", next))
	return true
}

// TryRunNow starts a cycle in the background, or returns ErrCycleRunning.
// It does not move the daily trigger.
func (s *Scheduler) TryRunNow(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrCycleRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.state.Store(int32(Idle))
		s.execute(ctx, "manual")
	}()
	return nil
}

// Wait blocks until background cycles started by TryRunNow finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run polls until ctx is canceled. Job errors and panics are logged and the
// loop continues. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.String("at", fmt.Sprintf("%02d:%02d", s.hour, s.minute)),
		zap.String("timezone", s.loc.String()),
		zap.Time("next_run", s.NextRun()),
	)
	for {
		if ctx.Err() != nil {
			break
		}
		s.RunPending(ctx)

		timer := s.clock.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.Chan():
		}
	}
	s.logger.Info("scheduler interrupted")
	s.wg.Wait()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, trigger string) {
	start := s.clock.Now()
	logger := s.logger.With(zap.String("trigger", trigger))
	logger.Info("cycle starting")

	err := s.safeRun(ctx)

	s.mu.Lock()
	s.lastRun = start
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logger.Error("cycle failed", zap.Error(err), zap.Duration("duration", s.clock.Since(start)))
		return
	}
	logger.Info("cycle finished", zap.Duration("duration", s.clock.Since(start)))
}

func (s *Scheduler) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.job(ctx)
}
