// Package scheduling decides on which trading days a rebalance fires.
package scheduling

import (
	"fmt"
	"math"
	"time"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/rs/zerolog"
)

// Frequency is the rebalance calendar granularity.
type Frequency string

const (
	FreqDaily      Frequency = "daily"
	FreqWeekly     Frequency = "weekly"
	FreqMonthly    Frequency = "monthly"
	FreqQuarterly  Frequency = "quarterly"
	FreqSemiannual Frequency = "semiannual"
	FreqAnnual     Frequency = "annual"
)

// Config holds scheduling parameters.
type Config struct {
	Frequency Frequency `json:"frequency"`

	// DriftThreshold triggers an off-calendar rebalance when any held
	// weight deviates from its target by more than this. 0 disables
	// drift checking.
	DriftThreshold float64 `json:"drift_threshold"`
}

// DefaultConfig returns a monthly calendar without drift triggering.
func DefaultConfig() Config {
	return Config{Frequency: FreqMonthly}
}

// Validate rejects contradictory parameters.
func (c Config) Validate() error {
	switch c.Frequency {
	case FreqDaily, FreqWeekly, FreqMonthly, FreqQuarterly, FreqSemiannual, FreqAnnual:
	default:
		return &domain.ConfigError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", c.Frequency)}
	}
	if c.DriftThreshold < 0 {
		return &domain.ConfigError{Field: "drift_threshold", Reason: fmt.Sprintf("must not be negative, got %.4f", c.DriftThreshold)}
	}
	return nil
}

// TriggerDecision explains why a rebalance fires.
type TriggerDecision struct {
	Trigger domain.RebalanceTrigger
	Reason  string
}

// Scheduler evaluates the rebalance calendar and drift rule. The calendar is
// derived from the trading-date sequence itself: the first trading day of a
// new period is the scheduled day, so holidays never silently skip a period.
type Scheduler struct {
	cfg Config
	log zerolog.Logger
}

// NewScheduler creates a scheduler. The config must already be validated.
func NewScheduler(cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg: cfg,
		log: log.With().Str("component", "scheduling").Logger(),
	}
}

// Check returns the trigger for date, or nil when nothing fires.
// prevDate is the previous trading date ("" on the first day). weights are
// the current marked-to-market portfolio weights. A scheduled trigger always
// wins over a drift trigger on the same day.
func (s *Scheduler) Check(date, prevDate string, state *domain.PortfolioState, weights map[string]float64) (*TriggerDecision, error) {
	if state == nil || !state.Initialized {
		return &TriggerDecision{
			Trigger: domain.TriggerForced,
			Reason:  "initial portfolio construction",
		}, nil
	}

	scheduled, err := s.isPeriodStart(prevDate, date)
	if err != nil {
		return nil, err
	}
	if scheduled {
		return &TriggerDecision{
			Trigger: domain.TriggerScheduled,
			Reason:  fmt.Sprintf("first trading day of %s period", s.cfg.Frequency),
		}, nil
	}

	if s.cfg.DriftThreshold > 0 && len(state.TargetWeights) > 0 {
		asset, drift := maxDrift(weights, state.TargetWeights)
		if drift > s.cfg.DriftThreshold {
			return &TriggerDecision{
				Trigger: domain.TriggerDrift,
				Reason:  fmt.Sprintf("%s drifted %.4f from target (threshold %.4f)", asset, drift, s.cfg.DriftThreshold),
			}, nil
		}
	}

	return nil, nil
}

// isPeriodStart reports whether date opens a new calendar period relative to
// the previous trading date.
func (s *Scheduler) isPeriodStart(prevDate, date string) (bool, error) {
	if s.cfg.Frequency == FreqDaily {
		return true, nil
	}
	if prevDate == "" {
		return true, nil
	}

	prev, err := time.Parse("2006-01-02", prevDate)
	if err != nil {
		return false, domain.DataQualityError("invalid previous trading date %q: %v", prevDate, err)
	}
	cur, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false, domain.DataQualityError("invalid trading date %q: %v", date, err)
	}

	switch s.cfg.Frequency {
	case FreqWeekly:
		py, pw := prev.ISOWeek()
		cy, cw := cur.ISOWeek()
		return py != cy || pw != cw, nil
	case FreqMonthly:
		return prev.Year() != cur.Year() || prev.Month() != cur.Month(), nil
	case FreqQuarterly:
		return prev.Year() != cur.Year() || quarter(prev) != quarter(cur), nil
	case FreqSemiannual:
		return prev.Year() != cur.Year() || half(prev) != half(cur), nil
	case FreqAnnual:
		return prev.Year() != cur.Year(), nil
	}
	return false, nil
}

// maxDrift returns the asset with the largest absolute deviation from its
// target weight. Assets missing on either side count with weight zero.
func maxDrift(weights, targets map[string]float64) (string, float64) {
	worst := ""
	worstDrift := 0.0

	check := func(asset string) {
		d := math.Abs(weights[asset] - targets[asset])
		if d > worstDrift || (d == worstDrift && (worst == "" || asset < worst)) {
			worst = asset
			worstDrift = d
		}
	}

	for asset := range targets {
		check(asset)
	}
	for asset := range weights {
		if _, ok := targets[asset]; !ok {
			check(asset)
		}
	}

	return worst, worstDrift
}

func quarter(t time.Time) int {
	return (int(t.Month()) - 1) / 3
}

func half(t time.Time) int {
	return (int(t.Month()) - 1) / 6
}
