// Package scheduler runs background maintenance jobs on cron schedules.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job.
type Job interface {
	Run() error
	Name() string
}

// JobStatus describes a registered job for status endpoints.
type JobStatus struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

type jobEntry struct {
	job      Job
	schedule string
	entryID  cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.RWMutex
	jobs []*jobEntry
}

// New creates a new scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule.
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	entry := &jobEntry{job: job, schedule: schedule}

	id, err := s.cron.AddFunc(schedule, func() {
		s.runEntry(entry)
	})
	if err != nil {
		return err
	}
	entry.entryID = id

	s.mu.Lock()
	s.jobs = append(s.jobs, entry)
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}

// Jobs returns the status of all registered jobs.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{
			Name:     entry.job.Name(),
			Schedule: entry.schedule,
		}

		entry.mu.Lock()
		if !entry.lastRun.IsZero() {
			t := entry.lastRun
			status.LastRun = &t
		}
		if entry.lastErr != nil {
			status.LastErr = entry.lastErr.Error()
		}
		entry.mu.Unlock()

		if ce := s.cron.Entry(entry.entryID); ce.ID == entry.entryID && !ce.Next.IsZero() {
			next := ce.Next
			status.NextRun = &next
		}

		statuses = append(statuses, status)
	}
	return statuses
}

func (s *Scheduler) runEntry(entry *jobEntry) {
	s.log.Debug().Str("job", entry.job.Name()).Msg("Running job")

	err := entry.job.Run()

	entry.mu.Lock()
	entry.lastRun = time.Now()
	entry.lastErr = err
	entry.mu.Unlock()

	if err != nil {
		s.log.Error().
			Err(err).
			Str("job", entry.job.Name()).
			Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", entry.job.Name()).Msg("Job completed")
}
