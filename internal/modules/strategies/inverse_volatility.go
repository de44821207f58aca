package strategies

import (
	"math"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/pkg/formulas"
)

// InverseVolatility weights each asset proportionally to the inverse of its
// return volatility over the window, a cheap risk-parity proxy.
type InverseVolatility struct {
	minPeriods int
}

// NewInverseVolatility creates the strategy. minPeriods is the number of
// valid returns an asset needs inside the window.
func NewInverseVolatility(minPeriods int) *InverseVolatility {
	if minPeriods < 2 {
		minPeriods = 2
	}
	return &InverseVolatility{minPeriods: minPeriods}
}

func (s *InverseVolatility) Name() string { return "inverse_volatility" }

func (s *InverseVolatility) Weights(assets []string, returns *domain.Panel) (map[string]float64, error) {
	if len(assets) == 0 {
		return nil, domain.StrategyError("no assets to weight")
	}

	const minVol = 1e-8 // floor so a flat series cannot absorb all weight

	inv := make(map[string]float64, len(assets))
	sum := 0.0
	for _, asset := range assets {
		rets := validColumn(returns.Column(asset))
		if len(rets) < s.minPeriods {
			return nil, domain.StrategyError(
				"asset %s has %d valid returns, need %d for inverse volatility", asset, len(rets), s.minPeriods)
		}

		vol := formulas.StdDev(rets)
		if math.IsNaN(vol) {
			return nil, domain.StrategyError("volatility for %s is undefined", asset)
		}
		if vol < minVol {
			vol = minVol
		}
		inv[asset] = 1.0 / vol
		sum += inv[asset]
	}

	weights := make(map[string]float64, len(assets))
	for asset, v := range inv {
		weights[asset] = v / sum
	}
	return weights, nil
}

func validColumn(col []float64) []float64 {
	out := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
