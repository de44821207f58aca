package preselection

import (
	"math"
	"testing"
	"time"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/calculations"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailyDates(t *testing.T, start string, n int) []string {
	t.Helper()
	first, err := time.Parse("2006-01-02", start)
	require.NoError(t, err)

	dates := make([]string, n)
	for i := 0; i < n; i++ {
		dates[i] = first.AddDate(0, 0, i).Format("2006-01-02")
	}
	return dates
}

func singleRowPanel(t *testing.T, returns map[string]float64) *domain.Panel {
	t.Helper()
	panel := domain.NewPanel([]string{"2024-01-02"})
	for asset, r := range returns {
		panel.Columns[asset] = []float64{r}
	}
	return panel
}

func momentumConfig(topK int) Config {
	return Config{
		Method:     MethodMomentum,
		TopK:       topK,
		Lookback:   1,
		Skip:       0,
		MinPeriods: 1,
	}
}

func TestMomentumRanksHighestCompoundedReturns(t *testing.T) {
	panel := singleRowPanel(t, map[string]float64{
		"A": 0.30, "B": 0.10, "C": -0.05, "D": 0.50, "E": 0.02,
	})

	p := NewPreselector(momentumConfig(2), nil, zerolog.Nop())
	result, err := p.Select([]string{"A", "B", "C", "D", "E"}, "2024-01-03", panel)
	require.NoError(t, err)

	assert.Equal(t, []string{"D", "A"}, result.Selected)
	assert.Equal(t, 1, result.Ranks["D"])
	assert.Equal(t, 2, result.Ranks["A"])
	assert.Equal(t, 3, result.Ranks["B"])
	assert.Equal(t, 4, result.Ranks["E"])
	assert.Equal(t, 5, result.Ranks["C"])
	assert.Empty(t, result.Dropped)
}

func TestEqualScoresBreakTiesByAssetID(t *testing.T) {
	panel := singleRowPanel(t, map[string]float64{
		"ZZZ": 0.10, "AAA": 0.10, "MMM": 0.10,
	})

	p := NewPreselector(momentumConfig(2), nil, zerolog.Nop())

	first, err := p.Select([]string{"ZZZ", "AAA", "MMM"}, "2024-01-03", panel)
	require.NoError(t, err)
	second, err := p.Select([]string{"MMM", "ZZZ", "AAA"}, "2024-01-03", panel)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "MMM"}, first.Selected)
	assert.Equal(t, first.Selected, second.Selected, "input order must not affect the ranking")
	assert.Equal(t, first.Ranks, second.Ranks)
}

func TestTopKLargerThanEligibleReturnsAll(t *testing.T) {
	panel := singleRowPanel(t, map[string]float64{"A": 0.2, "B": 0.1})

	p := NewPreselector(momentumConfig(10), nil, zerolog.Nop())
	result, err := p.Select([]string{"A", "B"}, "2024-01-03", panel)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, result.Selected)
}

func TestInsufficientPeriodsDropsAsset(t *testing.T) {
	dates := dailyDates(t, "2024-01-01", 10)
	panel := domain.NewPanel(dates)
	full := make([]float64, 10)
	sparse := make([]float64, 10)
	for i := range full {
		full[i] = 0.01
		sparse[i] = math.NaN()
	}
	sparse[3] = 0.5
	panel.Columns["FULL"] = full
	panel.Columns["SPARSE"] = sparse

	cfg := Config{Method: MethodMomentum, TopK: 5, Lookback: 8, Skip: 0, MinPeriods: 5}
	p := NewPreselector(cfg, nil, zerolog.Nop())
	result, err := p.Select([]string{"FULL", "SPARSE"}, dates[9], panel)
	require.NoError(t, err)

	assert.Equal(t, []string{"FULL"}, result.Selected)
	assert.Equal(t, []string{"SPARSE"}, result.Dropped)
	assert.False(t, result.Scores["SPARSE"].Valid)
	assert.Zero(t, result.Ranks["SPARSE"])
}

func TestAllUndefinedYieldsEmptySelection(t *testing.T) {
	dates := dailyDates(t, "2024-01-01", 5)
	panel := domain.NewPanel(dates)
	nan := make([]float64, 5)
	for i := range nan {
		nan[i] = math.NaN()
	}
	panel.Columns["A"] = nan
	panel.Columns["B"] = nan

	cfg := Config{Method: MethodMomentum, TopK: 2, Lookback: 4, Skip: 0, MinPeriods: 2}
	p := NewPreselector(cfg, nil, zerolog.Nop())
	result, err := p.Select([]string{"A", "B"}, dates[4], panel)
	require.NoError(t, err)

	assert.Empty(t, result.Selected)
	assert.Equal(t, []string{"A", "B"}, result.Dropped)
}

func TestNoLookaheadFutureRowsIgnored(t *testing.T) {
	dates := dailyDates(t, "2024-01-01", 20)
	asOf := dates[9]

	build := func(n int) *domain.Panel {
		panel := domain.NewPanel(dates[:n])
		a := make([]float64, n)
		b := make([]float64, n)
		for i := 0; i < n; i++ {
			a[i] = 0.01
			b[i] = 0.02
			if i >= 10 {
				// Wildly different data after the as-of date.
				a[i] = 0.90
				b[i] = -0.90
			}
		}
		panel.Columns["A"] = a
		panel.Columns["B"] = b
		return panel
	}

	cfg := Config{Method: MethodMomentum, TopK: 2, Lookback: 8, Skip: 0, MinPeriods: 4}
	p := NewPreselector(cfg, nil, zerolog.Nop())

	full, err := p.Select([]string{"A", "B"}, asOf, build(20))
	require.NoError(t, err)
	truncated, err := p.Select([]string{"A", "B"}, asOf, build(10))
	require.NoError(t, err)

	assert.Equal(t, truncated.Selected, full.Selected)
	assert.Equal(t, truncated.Scores, full.Scores)
}

func TestLowVolatilityPrefersQuietAssets(t *testing.T) {
	dates := dailyDates(t, "2024-01-01", 10)
	panel := domain.NewPanel(dates)
	quiet := make([]float64, 10)
	noisy := make([]float64, 10)
	for i := range quiet {
		quiet[i] = 0.001
		if i%2 == 0 {
			noisy[i] = 0.10
		} else {
			noisy[i] = -0.10
		}
	}
	panel.Columns["QUIET"] = quiet
	panel.Columns["NOISY"] = noisy

	cfg := Config{Method: MethodLowVolatility, TopK: 1, Lookback: 8, Skip: 0, MinPeriods: 4}
	p := NewPreselector(cfg, nil, zerolog.Nop())
	result, err := p.Select([]string{"NOISY", "QUIET"}, dates[9], panel)
	require.NoError(t, err)

	assert.Equal(t, []string{"QUIET"}, result.Selected)
}

func TestCombinedDegenerateCrossSection(t *testing.T) {
	dates := dailyDates(t, "2024-01-01", 10)
	panel := domain.NewPanel(dates)

	// Identical momentum, different volatility: the momentum z-scores all
	// collapse to zero and volatility alone decides the order. Each +8%
	// return is paired with the return that exactly undoes it, so both
	// series compound to precisely zero.
	flat := make([]float64, 10)
	alternating := make([]float64, 10)
	for i := range flat {
		flat[i] = 0.0
		if i%2 == 0 {
			alternating[i] = 0.08
		} else {
			alternating[i] = -0.08 / 1.08
		}
	}
	panel.Columns["FLAT"] = flat
	panel.Columns["ALT"] = alternating

	cfg := Config{
		Method: MethodCombined, TopK: 2, Lookback: 8, Skip: 0, MinPeriods: 4,
		MomentumWeight: 0.5, VolatilityWeight: 0.5,
	}
	p := NewPreselector(cfg, nil, zerolog.Nop())
	result, err := p.Select([]string{"ALT", "FLAT"}, dates[9], panel)
	require.NoError(t, err)

	require.Len(t, result.Selected, 2)
	assert.Equal(t, "FLAT", result.Selected[0], "lower volatility must win when momentum is degenerate")
	for _, s := range result.Scores {
		assert.True(t, s.Valid)
		assert.False(t, math.IsNaN(s.Value))
	}
}

func TestSelectUsesCacheOnRepeat(t *testing.T) {
	cache := calculations.New(calculations.Config{Enabled: true, MaxEntries: 32, MaxAge: time.Hour}, nil, zerolog.Nop())

	panel := singleRowPanel(t, map[string]float64{"A": 0.2, "B": 0.1})
	p := NewPreselector(momentumConfig(2), cache, zerolog.Nop())

	first, err := p.Select([]string{"A", "B"}, "2024-01-03", panel)
	require.NoError(t, err)
	second, err := p.Select([]string{"A", "B"}, "2024-01-03", panel)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stats := cache.GetStats()
	assert.GreaterOrEqual(t, stats.Hits, uint64(1), "repeat selection must hit the cache")
}

func TestConfigValidation(t *testing.T) {
	valid := DefaultConfig()
	require.NoError(t, valid.Validate())

	bad := valid
	bad.TopK = 0
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, bad.Validate(), &cfgErr)

	bad = valid
	bad.MinPeriods = bad.Lookback + 1
	require.ErrorAs(t, bad.Validate(), &cfgErr)

	bad = valid
	bad.Method = "magic"
	require.ErrorAs(t, bad.Validate(), &cfgErr)
}
