package strategies

import (
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/risk"
)

// MinVariance computes the long-only minimum-variance portfolio from the
// shrunk covariance matrix: solve Σw = 1, clamp negative weights to zero and
// renormalize.
type MinVariance struct {
	builder *risk.Builder
}

// NewMinVariance creates the strategy around a covariance builder.
func NewMinVariance(builder *risk.Builder) *MinVariance {
	return &MinVariance{builder: builder}
}

func (s *MinVariance) Name() string { return "min_variance" }

func (s *MinVariance) Weights(assets []string, returns *domain.Panel) (map[string]float64, error) {
	if len(assets) == 0 {
		return nil, domain.StrategyError("no assets to weight")
	}
	if len(assets) == 1 {
		return map[string]float64{assets[0]: 1.0}, nil
	}

	model, err := s.builder.Covariance(assets, returns)
	if err != nil {
		return nil, domain.StrategyError("covariance unavailable: %v", err)
	}

	n := len(model.Assets)
	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sigma.SetSym(i, j, model.Cov[i][j])
		}
	}

	ones := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1.0)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sigma); !ok {
		return nil, domain.StrategyError("covariance matrix is not positive definite")
	}

	var raw mat.VecDense
	if err := chol.SolveVecTo(&raw, ones); err != nil {
		return nil, domain.StrategyError("failed to solve minimum variance system: %v", err)
	}

	// Long-only: clamp shorts to zero and renormalize.
	sum := 0.0
	clamped := make([]float64, n)
	for i := 0; i < n; i++ {
		w := raw.AtVec(i)
		if w < 0 {
			w = 0
		}
		clamped[i] = w
		sum += w
	}
	if sum <= 0 {
		return nil, domain.StrategyError("minimum variance solution degenerated to zero weights")
	}

	weights := make(map[string]float64, n)
	for i, asset := range model.Assets {
		weights[asset] = clamped[i] / sum
	}
	return weights, nil
}
