// Package scheduler runs the engine's periodic jobs on cron schedules,
// one holder at a time across replicas.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
)

// Job is one periodic unit of work.
type Job func(ctx context.Context) error

// Scheduler runs registered jobs under a lease so that replicas never run
// the same job concurrently.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
}

// New creates a scheduler. ttl bounds both the lease and a single run.
func New(ctx context.Context, locker Locker, ttl time.Duration, m *metrics.Metrics, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		locker:  locker,
		ttl:     ttl,
		metrics: m,
		log:     log.WithComponent("scheduler"),
		jobs:    make(map[string]Job),
		ctx:     ctx,
	}
}

// Every schedules job to run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.Add(name, fmt.Sprintf("@every %s", interval), job)
}

// Add schedules job with a cron spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s is already scheduled", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, name) }); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.jobs[name] = job
	return nil
}

// RunNow runs a registered job once, outside its schedule. It reports
// whether this replica held the lease.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown job %s", name)
	}
	return s.run(ctx, name), nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the schedule and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, name string) bool {
	s.mu.Lock()
	job := s.jobs[name]
	s.mu.Unlock()

	release, ok, err := s.locker.Acquire(ctx, "job:"+name, s.ttl)
	if err != nil {
		s.metrics.ObserveSchedulerRun(name, err)
		s.log.ErrorContext(ctx, "failed to acquire job lease", "job", name, "error", err)
		return false
	}
	if !ok {
		s.log.DebugContext(ctx, "job lease held elsewhere", "job", name)
		return false
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.ttl)
	defer cancel()

	start := time.Now()
	err = job(ctx)
	s.metrics.ObserveSchedulerRun(name, err)
	if err != nil {
		s.log.ErrorContext(ctx, "job failed", "job", name, "duration", time.Since(start), "error", err)
		return true
	}
	s.log.DebugContext(ctx, "job completed", "job", name, "duration", time.Since(start))
	return true
}
