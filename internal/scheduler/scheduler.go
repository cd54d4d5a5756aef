// Package scheduler triggers workflow runs on cron schedules. Jobs live in
// memory: workflow definitions come from the manager's library, so a restart
// re-registers the jobs alongside the workflows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nvidal/stepwise/pkg/schema"
)

// WorkflowStarter is the interface the scheduler uses to launch runs.
// Satisfied by the engine manager (avoids import cycle).
type WorkflowStarter interface {
	StartByID(ctx context.Context, workflowID string, mode schema.DebugMode, breakpoints ...string) (string, error)
}

// Job is one cron-scheduled workflow trigger.
type Job struct {
	ID             string
	WorkflowID     string
	CronExpression string
	Enabled        bool
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	LastRunStatus  string
}

// Scheduler checks registered jobs on a ticker and starts those that are due.
type Scheduler struct {
	starter WorkflowStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(starter WorkflowStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// AddJob registers a job and computes its first run time. An existing job
// with the same id is replaced.
func (s *Scheduler) AddJob(id, workflowID, cronExpr string) (*Job, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:             id,
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
	}
	s.jobsMu.Lock()
	s.jobs[id] = job
	s.jobsMu.Unlock()
	return job, nil
}

// RemoveJob unregisters a job. Removing an unknown id is a no-op.
func (s *Scheduler) RemoveJob(id string) {
	s.jobsMu.Lock()
	delete(s.jobs, id)
	s.jobsMu.Unlock()
}

// SetEnabled toggles a job without losing its schedule.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	job.Enabled = enabled
	return nil
}

// Jobs returns a copy of the registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		out = append(out, &j)
	}
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and starts those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, job := range s.due(now) {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
	}
}

// due returns the enabled jobs whose next run time has passed.
func (s *Scheduler) due(now time.Time) []*Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			out = append(out, job)
		}
	}
	return out
}

// runJob starts the job's workflow and updates its timestamps. A workflow
// already running counts as a failed trigger; the job keeps its schedule.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	runID, err := s.starter.StartByID(ctx, job.WorkflowID, schema.DebugNone)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job trigger failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled run started",
			slog.String("job_id", job.ID),
			slog.String("run_id", runID),
		)
	}

	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		s.logger.Error("failed to compute next run",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.jobsMu.Lock()
	if current, ok := s.jobs[job.ID]; ok {
		current.LastRunAt = &now
		current.NextRunAt = &next
		current.LastRunStatus = status
	}
	s.jobsMu.Unlock()
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
