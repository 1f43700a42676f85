package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a unit of periodic work
type Job func(ctx context.Context) error

// Scheduler runs named jobs on cron specs
type Scheduler struct {
	cron      *cron.Cron
	jobMap    map[string]cron.EntryID // job name to cron entry ID
	jobMapMux sync.RWMutex
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

// NewScheduler creates a scheduler; each run is bounded by timeout
func NewScheduler(timeout time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobMap:  make(map[string]cron.EntryID),
		timeout: timeout,
		logger:  logger.With("component", "scheduler"),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron scheduler stopped")
}

// AddJob schedules job under name, replacing any job with the same name
func (s *Scheduler) AddJob(name, spec string, job Job) error {
	entryID, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, spec, err)
	}

	s.jobMapMux.Lock()
	if old, exists := s.jobMap[name]; exists {
		s.cron.Remove(old)
	}
	s.jobMap[name] = entryID
	s.jobMapMux.Unlock()

	s.logger.Infow("Scheduled job", "job", name, "spec", spec, "entry_id", entryID)
	return nil
}

// RemoveJob removes the job registered under name
func (s *Scheduler) RemoveJob(name string) {
	s.jobMapMux.Lock()
	defer s.jobMapMux.Unlock()

	if entryID, exists := s.jobMap[name]; exists {
		s.cron.Remove(entryID)
		delete(s.jobMap, name)
		s.logger.Infow("Removed job", "job", name, "entry_id", entryID)
	}
}

// JobCount returns the number of scheduled jobs
func (s *Scheduler) JobCount() int {
	s.jobMapMux.RLock()
	defer s.jobMapMux.RUnlock()
	return len(s.jobMap)
}

// RunNow runs the named job synchronously
func (s *Scheduler) RunNow(name string, job Job) {
	s.run(name, job)
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Errorw("Job failed", "job", name, "error", err, "took", time.Since(start))
		return
	}
	s.logger.Debugw("Job finished", "job", name, "took", time.Since(start))
}
