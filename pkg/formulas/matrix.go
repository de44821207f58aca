package formulas

import (
	"fmt"
	"math"
)

// CorrelationMatrixFromCovariance converts a covariance matrix to a
// correlation matrix. Diagonal entries become 1; off-diagonal entries are
// clamped to [-1, 1] to absorb rounding.
func CorrelationMatrixFromCovariance(cov [][]float64) ([][]float64, error) {
	n := len(cov)
	if n == 0 {
		return nil, fmt.Errorf("empty covariance matrix")
	}
	for i := range cov {
		if len(cov[i]) != n {
			return nil, fmt.Errorf("covariance matrix is not square")
		}
	}

	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
		corr[i][i] = 1.0
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			vi, vj := cov[i][i], cov[j][j]
			var rho float64
			if vi > 0 && vj > 0 {
				rho = cov[i][j] / math.Sqrt(vi*vj)
			}
			rho = math.Max(-1.0, math.Min(1.0, rho))
			corr[i][j] = rho
			corr[j][i] = rho
		}
	}

	return corr, nil
}

// CorrelationToDistance maps a correlation matrix to the distance metric
// d_ij = sqrt(2 * (1 - rho_ij)) used by hierarchical clustering.
func CorrelationToDistance(corr [][]float64) [][]float64 {
	n := len(corr)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			dist[i][j] = math.Sqrt(math.Max(0, 2.0*(1.0-corr[i][j])))
		}
	}
	return dist
}
