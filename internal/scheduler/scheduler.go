// Package scheduler runs background maintenance jobs on cron schedules.
package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs registered maintenance jobs on six-field cron specs
// (seconds included, e.g. "0 30 3 * * *" for 03:30 daily).
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates an empty scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers fn under name on the given spec. A failing run is logged and
// retried on the next tick; maintenance jobs never take the process down.
func (s *Scheduler) Add(name, spec string, fn func() error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Job failed")
			return
		}
		s.log.Debug().Str("job", name).Msg("Job completed")
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s with spec %q: %w", name, spec, err)
	}

	s.log.Info().Str("job", name).Str("spec", spec).Msg("Job registered")
	return nil
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops dispatching and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
