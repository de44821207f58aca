package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Variance(data, nil)
}

// AnnualizedVolatility calculates annualized volatility from daily returns
// Formula: Std Dev of Daily Returns × sqrt(252 trading days)
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}

	stdDev := StdDev(dailyReturns)
	return stdDev * math.Sqrt(252)
}

// CompoundReturn calculates the cumulative compounded return of a return series.
// Formula: prod(1 + r_i) - 1. NaN observations are skipped.
func CompoundReturn(returns []float64) float64 {
	growth := 1.0
	for _, r := range returns {
		if math.IsNaN(r) {
			continue
		}
		growth *= 1.0 + r
	}
	return growth - 1.0
}

// CalculateReturns converts prices to simple percentage returns
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// ZScores standardizes values cross-sectionally: (x - mean) / std.
// If the standard deviation is zero (all values identical) every z-score is 0,
// so a degenerate cross-section never produces NaN or Inf.
func ZScores(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	mean := Mean(values)
	std := StdDev(values)
	if std == 0 || math.IsNaN(std) {
		return out
	}

	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

// CAGR calculates the compound annual growth rate between two values over a
// number of trading days (252 per year). Returns 0 for degenerate inputs.
func CAGR(startValue, endValue float64, tradingDays int) float64 {
	if startValue <= 0 || endValue <= 0 || tradingDays <= 0 {
		return 0
	}
	years := float64(tradingDays) / 252.0
	if years <= 0 {
		return 0
	}
	return math.Pow(endValue/startValue, 1.0/years) - 1.0
}
