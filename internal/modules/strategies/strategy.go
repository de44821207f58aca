// Package strategies provides the weighting strategies the engine can run.
package strategies

import (
	"github.com/aristath/hindsight/internal/domain"
)

// WeightingStrategy turns a target asset set into portfolio weights using a
// trailing returns window. Implementations must return weights that sum to 1
// over the given assets, and must wrap unrecoverable computation failures in
// domain.ErrStrategyFailure so the engine can keep the previous weights.
type WeightingStrategy interface {
	Name() string
	Weights(assets []string, returns *domain.Panel) (map[string]float64, error)
}
