// Package analytics derives performance diagnostics from backtest output.
package analytics

import (
	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/pkg/formulas"
)

// Constants for metric computation
const (
	PeriodsPerYear          = 252 // daily observations
	RecentVolatilityWindow  = 21  // ~1 trading month
	DefaultRiskFreeRate     = 0.0
	DefaultTargetReturnRate = 0.0
)

// Compute summarizes a backtest result into performance metrics. The input
// result is not modified; attach the returned metrics where needed.
func Compute(result *domain.BacktestResult, riskFreeRate float64) *domain.PerformanceMetrics {
	metrics := &domain.PerformanceMetrics{
		TradingDays:    len(result.EquityCurve),
		RebalanceCount: countExecutedRebalances(result.Rebalances),
		TotalTrades:    len(result.Trades),
	}

	if len(result.EquityCurve) == 0 {
		return metrics
	}

	equity := make([]float64, len(result.EquityCurve))
	returns := make([]float64, 0, len(result.EquityCurve))
	for i, point := range result.EquityCurve {
		equity[i] = point.Equity
		if i > 0 {
			returns = append(returns, point.Return)
		}
	}

	first, last := equity[0], equity[len(equity)-1]
	if first > 0 {
		metrics.TotalReturn = last/first - 1.0
	}
	metrics.CAGR = formulas.CAGR(first, last, len(equity))
	metrics.AnnualizedVol = formulas.AnnualizedVolatility(returns)
	metrics.SharpeRatio = formulas.CalculateSharpeRatio(returns, riskFreeRate, PeriodsPerYear)
	metrics.SortinoRatio = formulas.CalculateSortinoRatio(returns, riskFreeRate, DefaultTargetReturnRate, PeriodsPerYear)

	if dd := formulas.CalculateMaxDrawdown(equity); dd != nil {
		metrics.MaxDrawdown = *dd
	}

	if len(returns) >= RecentVolatilityWindow {
		rolling := formulas.RollingVolatility(returns, RecentVolatilityWindow)
		metrics.RecentVolatility = formulas.LastValid(rolling)
	}

	for _, trade := range result.Trades {
		metrics.TotalCosts += trade.Commission + trade.Slippage
	}

	metrics.WinRate = winRate(result)

	return metrics
}

// countExecutedRebalances ignores skipped rebalance attempts.
func countExecutedRebalances(events []domain.RebalanceEvent) int {
	count := 0
	for _, ev := range events {
		if !ev.Skipped {
			count++
		}
	}
	return count
}

// winRate is the fraction of inter-rebalance periods with positive return.
// Periods run from one executed rebalance to the next (the last period ends
// at the final equity point).
func winRate(result *domain.BacktestResult) float64 {
	if len(result.EquityCurve) == 0 {
		return 0
	}

	equityByDate := make(map[string]float64, len(result.EquityCurve))
	for _, point := range result.EquityCurve {
		equityByDate[point.Date] = point.Equity
	}

	var marks []float64
	for _, ev := range result.Rebalances {
		if ev.Skipped {
			continue
		}
		if eq, ok := equityByDate[ev.Date]; ok {
			marks = append(marks, eq)
		}
	}
	if len(marks) == 0 {
		return 0
	}
	marks = append(marks, result.EquityCurve[len(result.EquityCurve)-1].Equity)

	wins, periods := 0, 0
	for i := 1; i < len(marks); i++ {
		if marks[i-1] <= 0 {
			continue
		}
		periods++
		if marks[i] > marks[i-1] {
			wins++
		}
	}
	if periods == 0 {
		return 0
	}
	return float64(wins) / float64(periods)
}
