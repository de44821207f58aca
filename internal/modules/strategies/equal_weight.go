package strategies

import (
	"github.com/aristath/hindsight/internal/domain"
)

// EqualWeight assigns 1/n to every target asset.
type EqualWeight struct{}

// NewEqualWeight creates the equal-weight strategy.
func NewEqualWeight() *EqualWeight {
	return &EqualWeight{}
}

func (s *EqualWeight) Name() string { return "equal_weight" }

func (s *EqualWeight) Weights(assets []string, _ *domain.Panel) (map[string]float64, error) {
	if len(assets) == 0 {
		return nil, domain.StrategyError("no assets to weight")
	}

	w := 1.0 / float64(len(assets))
	weights := make(map[string]float64, len(assets))
	for _, asset := range assets {
		weights[asset] = w
	}
	return weights, nil
}
