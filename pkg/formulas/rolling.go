package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// RollingVolatility calculates a rolling standard deviation series over the
// given window using go-talib. The first window-1 entries are warm-up values
// and should be ignored.
func RollingVolatility(returns []float64, window int) []float64 {
	if len(returns) < window || window < 2 {
		return nil
	}
	return talib.StdDev(returns, window, 1.0)
}

// RollingMean calculates a simple moving average series over the given window
// using go-talib. The first window-1 entries are warm-up values.
func RollingMean(values []float64, window int) []float64 {
	if len(values) < window || window < 1 {
		return nil
	}
	return talib.Sma(values, window)
}

// LastValid returns the last non-NaN value of a series, or nil if none exists.
func LastValid(series []float64) *float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			v := series[i]
			return &v
		}
	}
	return nil
}
