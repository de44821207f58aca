package sweep

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/eligibility"
	"github.com/aristath/hindsight/internal/modules/engine"
	"github.com/aristath/hindsight/internal/modules/membership"
	"github.com/aristath/hindsight/internal/modules/preselection"
	"github.com/aristath/hindsight/internal/modules/scheduling"
	"github.com/aristath/hindsight/internal/modules/strategies"
)

func sweepPanels(days int) (*domain.Panel, *domain.Panel) {
	first, _ := time.Parse("2006-01-02", "2024-01-01")
	dates := make([]string, days)
	for i := range dates {
		dates[i] = first.AddDate(0, 0, i).Format("2006-01-02")
	}

	prices := domain.NewPanel(dates)
	a := make([]float64, days)
	b := make([]float64, days)
	for i := 0; i < days; i++ {
		a[i] = 100.0 + float64(i)
		b[i] = 80.0 - 0.2*float64(i%3)
	}
	prices.Columns["AAA"] = a
	prices.Columns["BBB"] = b

	return prices, prices.Returns()
}

func sweepConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.StartDate = "2024-01-05"
	cfg.EndDate = "2024-01-10"
	cfg.StrategyLookback = 3
	cfg.Eligibility = eligibility.Config{MinHistoryDays: 3, MinObservations: 3, DelistGapDays: 5}
	cfg.Preselection = preselection.Config{
		Method:     preselection.MethodMomentum,
		TopK:       2,
		Lookback:   3,
		MinPeriods: 2,
	}
	cfg.Membership = membership.Config{}
	cfg.Scheduling = scheduling.Config{Frequency: scheduling.FreqDaily}
	return cfg
}

func TestRunReturnsOutcomesInJobOrder(t *testing.T) {
	prices, returns := sweepPanels(10)
	runner := NewRunner(engine.New(nil, zerolog.Nop()), 3, zerolog.Nop())

	var jobs []Job
	for i := 0; i < 6; i++ {
		cfg := sweepConfig()
		cfg.Label = fmt.Sprintf("variation-%d", i)
		jobs = append(jobs, Job{Label: cfg.Label, Config: cfg, Strategy: strategies.NewEqualWeight()})
	}

	outcomes := runner.Run(context.Background(), jobs, prices, returns)
	require.Len(t, outcomes, 6)

	seen := map[string]bool{}
	for i, outcome := range outcomes {
		assert.Equal(t, fmt.Sprintf("variation-%d", i), outcome.Label)
		require.NoError(t, outcome.Err)
		require.NotNil(t, outcome.Result)
		assert.False(t, seen[outcome.Result.RunID], "run ids must be unique")
		seen[outcome.Result.RunID] = true
	}
}

func TestRunFailedVariationDoesNotAbortOthers(t *testing.T) {
	prices, returns := sweepPanels(10)
	runner := NewRunner(engine.New(nil, zerolog.Nop()), 2, zerolog.Nop())

	bad := sweepConfig()
	bad.InitialCash = -1

	jobs := []Job{
		{Label: "good-1", Config: sweepConfig(), Strategy: strategies.NewEqualWeight()},
		{Label: "bad", Config: bad, Strategy: strategies.NewEqualWeight()},
		{Label: "good-2", Config: sweepConfig(), Strategy: strategies.NewEqualWeight()},
	}

	outcomes := runner.Run(context.Background(), jobs, prices, returns)
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, outcomes[1].Err, &cfgErr)
}

func TestRunCancelledContext(t *testing.T) {
	prices, returns := sweepPanels(10)
	runner := NewRunner(engine.New(nil, zerolog.Nop()), 2, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []Job{
		{Label: "a", Config: sweepConfig(), Strategy: strategies.NewEqualWeight()},
		{Label: "b", Config: sweepConfig(), Strategy: strategies.NewEqualWeight()},
	}

	outcomes := runner.Run(ctx, jobs, prices, returns)
	require.Len(t, outcomes, 2)
	for _, outcome := range outcomes {
		assert.Error(t, outcome.Err)
	}
}

func TestRunEmptyJobs(t *testing.T) {
	runner := NewRunner(engine.New(nil, zerolog.Nop()), 2, zerolog.Nop())
	outcomes := runner.Run(context.Background(), nil, nil, nil)
	assert.Empty(t, outcomes)
}
