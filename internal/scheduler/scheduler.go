// Package scheduler runs DialScribe's recurring maintenance jobs, such as
// the nightly notification retention sweep.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with named, logged jobs.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a scheduler. Expressions use the standard
// 5-field cron form (minute, hour, day-of-month, month, day-of-week), and a
// panicking job is recovered so it cannot take the runner down.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a named task. Every run is logged with the job name and
// elapsed time so maintenance activity shows up in the operational log.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		slog.Info("Scheduler job starting", "job", name)
		task()
		slog.Debug("Scheduler job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	slog.Debug("Scheduler job registered", "job", name, "expr", expr)
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
