// Package cron runs named background jobs (registry sweeps, task
// reconciliation) on fixed intervals or cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@hourly" and "@every 5m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is the unit of periodic work. The context is canceled on Stop.
type Job func(ctx context.Context)

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger *slog.Logger
	// SkipInitialRun disables the immediate run each job gets on Start.
	SkipInitialRun bool
}

type entry struct {
	name string
	spec string
	id   cronlib.EntryID
	job  cronlib.Job
}

// Scheduler wraps a robfig cron instance. Every job is wrapped so that
// panics are recovered and a run that overlaps a still-running one is
// skipped.
type Scheduler struct {
	logger     *slog.Logger
	c          *cronlib.Cron
	chain      cronlib.Chain
	initialRun bool

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := slogAdapter{logger: logger.With("component", "cron")}
	return &Scheduler{
		logger:     logger,
		c:          cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLogger(adapter)),
		chain:      cronlib.NewChain(cronlib.Recover(adapter), cronlib.SkipIfStillRunning(adapter)),
		initialRun: !cfg.SkipInitialRun,
		entries:    make(map[string]*entry),
		ctx:        context.Background(),
	}
}

// Every registers fn to run once per interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) error {
	if interval <= 0 {
		return fmt.Errorf("cron: job %q: interval must be positive, got %s", name, interval)
	}
	return s.Schedule(name, "@every "+interval.String(), fn)
}

// Schedule registers fn under a cron expression.
func (s *Scheduler) Schedule(name, spec string, fn Job) error {
	if name == "" {
		return fmt.Errorf("cron: job name is required")
	}
	if fn == nil {
		return fmt.Errorf("cron: job %q has no function", name)
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("cron: job %q: parse %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("cron: job %q already registered", name)
	}

	e := &entry{name: name, spec: spec}
	e.job = s.chain.Then(cronlib.FuncJob(func() {
		start := time.Now()
		fn(s.jobContext())
		s.logger.Debug("cron job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	}))
	id, err := s.c.AddJob(spec, e.job)
	if err != nil {
		return fmt.Errorf("cron: add job %q: %w", name, err)
	}
	e.id = id
	s.entries[name] = e
	s.order = append(s.order, name)

	if s.started && s.initialRun {
		s.runAsync(e)
	}
	return nil
}

// Start runs every registered job once, then hands them to the cron
// timer. The scheduler stops when ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.started = true
	if s.initialRun {
		for _, name := range s.order {
			s.runAsync(s.entries[name])
		}
	}
	jobs := len(s.order)
	s.mu.Unlock()

	s.c.Start()
	s.logger.Info("scheduler started", "jobs", jobs)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
}

// Stop halts the timer and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job synchronously through the same overlap guard
// as scheduled runs. It reports false for an unknown job.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.job.Run()
	return true
}

// EntryInfo describes a registered job.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Entries lists registered jobs in registration order.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		ce := s.c.Entry(e.id)
		out = append(out, EntryInfo{Name: name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	return out
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) runAsync(e *entry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.job.Run()
	}()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cronlib.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
