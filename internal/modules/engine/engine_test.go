package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/eligibility"
	"github.com/aristath/hindsight/internal/modules/membership"
	"github.com/aristath/hindsight/internal/modules/preselection"
	"github.com/aristath/hindsight/internal/modules/scheduling"
	"github.com/aristath/hindsight/internal/modules/strategies"
)

// enginePanels builds a synthetic daily price panel starting 2024-01-01 with
// a trending asset and a flat one, plus the derived returns panel.
func enginePanels(days int) (*domain.Panel, *domain.Panel) {
	first, _ := time.Parse("2006-01-02", "2024-01-01")
	dates := make([]string, days)
	for i := range dates {
		dates[i] = first.AddDate(0, 0, i).Format("2006-01-02")
	}

	prices := domain.NewPanel(dates)
	up := make([]float64, days)
	flat := make([]float64, days)
	for i := 0; i < days; i++ {
		up[i] = 100.0 + float64(i)
		flat[i] = 50.0 + 0.1*float64(i%2)
	}
	prices.Columns["UP"] = up
	prices.Columns["FLAT"] = flat

	return prices, prices.Returns()
}

func testRunConfig(start, end string) Config {
	cfg := DefaultConfig()
	cfg.StartDate = start
	cfg.EndDate = end
	cfg.StrategyLookback = 5
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

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }

func (failingStrategy) Weights([]string, *domain.Panel) (map[string]float64, error) {
	return nil, domain.StrategyError("deliberate failure")
}

func TestRunForcesRebalanceOnFirstDay(t *testing.T) {
	prices, returns := enginePanels(10)
	cfg := testRunConfig("2024-01-05", "2024-01-10")

	result, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.NoError(t, err)

	require.NotEmpty(t, result.Rebalances)
	first := result.Rebalances[0]
	assert.Equal(t, "2024-01-05", first.Date)
	assert.Equal(t, domain.TriggerForced, first.Trigger)
	assert.False(t, first.Skipped)
	assert.NotEmpty(t, first.Trades)

	assert.NotEmpty(t, result.RunID)
	assert.Len(t, result.EquityCurve, 6)
	require.NotNil(t, result.Metrics)
	assert.Equal(t, 6, result.Metrics.TradingDays)
}

func TestRunEquityMatchesHoldingsAndCash(t *testing.T) {
	prices, returns := enginePanels(10)
	cfg := testRunConfig("2024-01-05", "2024-01-10")

	result, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.NoError(t, err)

	state := result.FinalState
	require.NotNil(t, state)

	lastIdx := prices.DateIndex("2024-01-10")
	require.GreaterOrEqual(t, lastIdx, 0)

	equity := state.Cash
	for asset, shares := range state.Holdings {
		close := prices.Value(asset, lastIdx)
		require.False(t, math.IsNaN(close))
		equity += shares * close
	}

	last := result.EquityCurve[len(result.EquityCurve)-1]
	assert.InDelta(t, equity, last.Equity, 1e-6)
	assert.Greater(t, result.Metrics.TotalCosts, 0.0)
}

func TestRunMonthlyScheduleFiresOnPeriodStarts(t *testing.T) {
	prices, returns := enginePanels(50) // 2024-01-01 through 2024-02-19
	cfg := testRunConfig("2024-01-05", "2024-02-19")
	cfg.Scheduling = scheduling.Config{Frequency: scheduling.FreqMonthly}

	result, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.NoError(t, err)

	var dates []string
	for _, ev := range result.Rebalances {
		if !ev.Skipped {
			dates = append(dates, ev.Date)
		}
	}
	assert.Equal(t, []string{"2024-01-05", "2024-02-01"}, dates)
}

func TestRunMissingHeldPriceAbortsByDefault(t *testing.T) {
	prices, returns := enginePanels(10)
	idx := prices.DateIndex("2024-01-07")
	require.GreaterOrEqual(t, idx, 0)
	prices.Columns["FLAT"][idx] = math.NaN()

	cfg := testRunConfig("2024-01-05", "2024-01-10")

	_, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataQuality)
	assert.Contains(t, err.Error(), "FLAT")
	assert.Contains(t, err.Error(), "2024-01-07")
}

func TestRunMissingHeldPriceCarriesForwardWhenEnabled(t *testing.T) {
	prices, returns := enginePanels(10)
	idx := prices.DateIndex("2024-01-07")
	require.GreaterOrEqual(t, idx, 0)
	prices.Columns["FLAT"][idx] = math.NaN()

	cfg := testRunConfig("2024-01-05", "2024-01-10")
	cfg.CarryForwardMissing = true

	result, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.NoError(t, err)

	found := false
	for _, w := range result.Warnings {
		if w == "carried forward price for FLAT on 2024-01-07" {
			found = true
		}
	}
	assert.True(t, found, "carry-forward must be recorded, warnings: %v", result.Warnings)
	assert.Len(t, result.EquityCurve, 6)
}

func TestRunStrategyFailureKeepsRunningWithoutTrades(t *testing.T) {
	prices, returns := enginePanels(10)
	cfg := testRunConfig("2024-01-05", "2024-01-10")

	result, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, failingStrategy{}, prices, returns)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.Len(t, result.EquityCurve, 6)
	for _, point := range result.EquityCurve {
		assert.InDelta(t, cfg.InitialCash, point.Equity, 1e-9)
	}
	require.NotEmpty(t, result.Rebalances)
	for _, ev := range result.Rebalances {
		assert.True(t, ev.Skipped)
		// The portfolio never initializes, so every day retries a forced build.
		assert.Equal(t, domain.TriggerForced, ev.Trigger)
	}
	assert.NotEmpty(t, result.Warnings)
}

func TestRunSkipsRebalanceWhenNothingScores(t *testing.T) {
	prices, returns := enginePanels(10)
	cfg := testRunConfig("2024-01-05", "2024-01-10")
	cfg.Preselection.Lookback = 10
	cfg.Preselection.MinPeriods = 9 // more than any window can hold

	result, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	require.NotEmpty(t, result.Rebalances)
	for _, ev := range result.Rebalances {
		assert.True(t, ev.Skipped)
		assert.Contains(t, ev.SkipReason, "no scorable candidates")
	}
}

func TestRunIsDeterministic(t *testing.T) {
	prices, returns := enginePanels(12)
	cfg := testRunConfig("2024-01-05", "2024-01-12")

	engine := New(nil, zerolog.Nop())
	first, err := engine.Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.NoError(t, err)
	second, err := engine.Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.EquityCurve, second.EquityCurve)
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.Metrics, second.Metrics)
}

func TestRunCancellation(t *testing.T) {
	prices, returns := enginePanels(10)
	cfg := testRunConfig("2024-01-05", "2024-01-10")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil, zerolog.Nop()).Run(ctx, cfg, strategies.NewEqualWeight(), prices, returns)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	prices, returns := enginePanels(10)

	cfg := testRunConfig("2024-01-05", "2024-01-10")
	cfg.StartDate = "not-a-date"
	_, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	cfg = testRunConfig("2024-01-05", "2024-01-10")
	_, err = New(nil, zerolog.Nop()).Run(context.Background(), cfg, nil, prices, returns)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRunNoTradingDaysInRange(t *testing.T) {
	prices, returns := enginePanels(10)
	cfg := testRunConfig("2025-06-01", "2025-06-30")

	_, err := New(nil, zerolog.Nop()).Run(context.Background(), cfg, strategies.NewEqualWeight(), prices, returns)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataQuality)
}
