package engine

import (
	"fmt"
	"time"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/eligibility"
	"github.com/aristath/hindsight/internal/modules/membership"
	"github.com/aristath/hindsight/internal/modules/preselection"
	"github.com/aristath/hindsight/internal/modules/scheduling"
)

// Constants for cost model defaults
const (
	DefaultCommissionRate = 0.001  // 10 bps per trade
	DefaultMinCommission  = 1.0    // flat minimum per trade
	DefaultSlippageRate   = 0.0005 // 5 bps price impact
)

// Config fully describes one backtest run.
type Config struct {
	Label       string  `json:"label,omitempty"`
	StartDate   string  `json:"start_date"`
	EndDate     string  `json:"end_date"`
	InitialCash float64 `json:"initial_cash"`

	// Cost model: commission is rate-based with a flat minimum, slippage
	// moves the execution price against the trade.
	CommissionRate float64 `json:"commission_rate"`
	MinCommission  float64 `json:"min_commission"`
	SlippageRate   float64 `json:"slippage_rate"`

	// StrategyLookback is the trading-day window handed to the weighting
	// strategy at each rebalance.
	StrategyLookback int `json:"strategy_lookback"`

	// CarryForwardMissing keeps the last seen price for a held asset with
	// a missing close instead of aborting the run.
	CarryForwardMissing bool `json:"carry_forward_missing"`

	Eligibility  eligibility.Config  `json:"eligibility"`
	Preselection preselection.Config `json:"preselection"`
	Membership   membership.Config   `json:"membership"`
	Scheduling   scheduling.Config   `json:"scheduling"`
}

// DefaultConfig returns a runnable monthly momentum configuration.
func DefaultConfig() Config {
	return Config{
		InitialCash:      100000,
		CommissionRate:   DefaultCommissionRate,
		MinCommission:    DefaultMinCommission,
		SlippageRate:     DefaultSlippageRate,
		StrategyLookback: 252,
		Eligibility:      eligibility.DefaultConfig(),
		Preselection:     preselection.DefaultConfig(),
		Membership:       membership.Config{BufferRank: 5, MinHoldingPeriods: 2},
		Scheduling:       scheduling.DefaultConfig(),
	}
}

// Validate checks the whole run configuration up front. A run never starts
// with an invalid config.
func (c Config) Validate() error {
	if _, err := time.Parse("2006-01-02", c.StartDate); err != nil {
		return &domain.ConfigError{Field: "start_date", Reason: fmt.Sprintf("invalid date %q", c.StartDate)}
	}
	if _, err := time.Parse("2006-01-02", c.EndDate); err != nil {
		return &domain.ConfigError{Field: "end_date", Reason: fmt.Sprintf("invalid date %q", c.EndDate)}
	}
	if c.EndDate < c.StartDate {
		return &domain.ConfigError{Field: "end_date", Reason: fmt.Sprintf("end %s before start %s", c.EndDate, c.StartDate)}
	}
	if c.InitialCash <= 0 {
		return &domain.ConfigError{Field: "initial_cash", Reason: fmt.Sprintf("must be positive, got %.2f", c.InitialCash)}
	}
	if c.CommissionRate < 0 {
		return &domain.ConfigError{Field: "commission_rate", Reason: fmt.Sprintf("must not be negative, got %.6f", c.CommissionRate)}
	}
	if c.MinCommission < 0 {
		return &domain.ConfigError{Field: "min_commission", Reason: fmt.Sprintf("must not be negative, got %.2f", c.MinCommission)}
	}
	if c.SlippageRate < 0 {
		return &domain.ConfigError{Field: "slippage_rate", Reason: fmt.Sprintf("must not be negative, got %.6f", c.SlippageRate)}
	}
	if c.StrategyLookback < 1 {
		return &domain.ConfigError{Field: "strategy_lookback", Reason: fmt.Sprintf("must be at least 1, got %d", c.StrategyLookback)}
	}

	if err := c.Eligibility.Validate(); err != nil {
		return err
	}
	if err := c.Preselection.Validate(); err != nil {
		return err
	}
	if err := c.Membership.Validate(); err != nil {
		return err
	}
	if err := c.Scheduling.Validate(); err != nil {
		return err
	}

	return nil
}
