package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the two recoverable failure classes. Both abort the
// current run step but are surfaced on the result rather than crashing a
// parameter sweep.
var (
	// ErrDataQuality marks failures caused by the input panel (a held asset
	// losing its price series, an empty window, a malformed date).
	ErrDataQuality = errors.New("data quality error")

	// ErrStrategyFailure marks a weighting strategy that could not produce
	// usable weights (singular covariance, optimizer non-convergence).
	ErrStrategyFailure = errors.New("strategy failure")
)

// ConfigError is a fatal configuration contradiction detected before any
// simulation work starts (negative window, top_k of zero, buffer smaller
// than target count). Runs never start with a ConfigError.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// DataQualityError wraps a reason in ErrDataQuality so callers can match
// with errors.Is while keeping the specific diagnostic.
func DataQualityError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataQuality, fmt.Sprintf(format, args...))
}

// StrategyError wraps a reason in ErrStrategyFailure.
func StrategyError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStrategyFailure, fmt.Sprintf(format, args...))
}
