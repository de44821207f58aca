// Package sweep runs batches of backtest variations concurrently over the
// same data panels, e.g. a parameter grid or a strategy comparison.
package sweep

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/engine"
	"github.com/aristath/hindsight/internal/modules/strategies"
)

// DefaultWorkers bounds sweep concurrency when no worker count is configured.
const DefaultWorkers = 4

// Job is one backtest variation inside a sweep.
type Job struct {
	Label    string
	Config   engine.Config
	Strategy strategies.WeightingStrategy
}

// Outcome pairs a job with its result or failure. A failed variation never
// aborts the rest of the sweep.
type Outcome struct {
	Label  string
	Result *domain.BacktestResult
	Err    error
}

// Runner executes sweep jobs on a bounded worker pool. Workers share one
// engine and therefore one statistics cache, so overlapping variations reuse
// each other's window computations.
type Runner struct {
	engine  *engine.Engine
	workers int
	log     zerolog.Logger
}

// NewRunner creates a sweep runner. workers <= 0 uses DefaultWorkers.
func NewRunner(eng *engine.Engine, workers int, log zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		engine:  eng,
		workers: workers,
		log:     log.With().Str("component", "sweep").Logger(),
	}
}

// Run executes every job and returns outcomes in job order regardless of
// completion order. Cancelling the context stops in-progress runs between
// trading days; jobs not yet started report the context error.
func (r *Runner) Run(ctx context.Context, jobs []Job, prices, returns *domain.Panel) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	if len(jobs) == 0 {
		return outcomes
	}

	workers := r.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	indices := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				job := jobs[i]
				result, err := r.engine.Run(ctx, job.Config, job.Strategy, prices, returns)
				outcomes[i] = Outcome{Label: job.Label, Result: result, Err: err}

				if err != nil {
					r.log.Warn().Err(err).Str("label", job.Label).Msg("Sweep variation failed")
				} else {
					r.log.Debug().Str("label", job.Label).Str("run_id", result.RunID).Msg("Sweep variation complete")
				}
			}
		}()
	}

	for i := range jobs {
		select {
		case <-ctx.Done():
			outcomes[i] = Outcome{Label: jobs[i].Label, Err: ctx.Err()}
			continue
		case indices <- i:
		}
	}
	close(indices)
	wg.Wait()

	r.log.Info().Int("jobs", len(jobs)).Int("workers", workers).Msg("Sweep finished")
	return outcomes
}
