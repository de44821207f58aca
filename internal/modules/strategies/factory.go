package strategies

import (
	"fmt"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/risk"
)

// Options carries the tunables a named strategy may need.
type Options struct {
	// MinPeriods is the valid-return requirement for volatility-based
	// strategies. 0 uses the strategy's own default.
	MinPeriods int

	// Linkage selects the HRP clustering rule. Empty means single linkage.
	Linkage Linkage
}

// Names lists the registered strategy names in stable order.
func Names() []string {
	return []string{"equal_weight", "inverse_volatility", "min_variance", "hrp"}
}

// New builds a weighting strategy by name. builder may be nil for strategies
// that do not need a covariance model.
func New(name string, builder *risk.Builder, opts Options) (WeightingStrategy, error) {
	switch name {
	case "equal_weight":
		return NewEqualWeight(), nil
	case "inverse_volatility":
		return NewInverseVolatility(opts.MinPeriods), nil
	case "min_variance":
		if builder == nil {
			return nil, &domain.ConfigError{Field: "strategy", Reason: "min_variance needs a covariance builder"}
		}
		return NewMinVariance(builder), nil
	case "hrp":
		if builder == nil {
			return nil, &domain.ConfigError{Field: "strategy", Reason: "hrp needs a covariance builder"}
		}
		return NewHRP(builder, opts.Linkage), nil
	default:
		return nil, &domain.ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q, known: %v", name, Names())}
	}
}
