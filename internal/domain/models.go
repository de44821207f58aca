// Package domain provides core domain models and types shared across modules.
package domain

// RebalanceTrigger identifies why a rebalance fired on a given day.
type RebalanceTrigger string

const (
	// TriggerForced fires exactly once, on the first day the portfolio can be
	// constructed at all (empty/uninitialized portfolio).
	TriggerForced RebalanceTrigger = "forced"
	// TriggerScheduled fires according to the configured calendar.
	TriggerScheduled RebalanceTrigger = "scheduled"
	// TriggerDrift fires when a held weight deviates from its target by more
	// than the configured threshold.
	TriggerDrift RebalanceTrigger = "drift"
)

// EligibilityReason explains why an asset was or was not eligible at a date.
type EligibilityReason string

const (
	ReasonOK                  EligibilityReason = "ok"
	ReasonInsufficientHistory EligibilityReason = "insufficient_history"
	ReasonDelisted            EligibilityReason = "delisted"
)

// EligibilityRecord is the per (asset, as-of-date) eligibility diagnostic.
// Eligibility for date D depends only on data with timestamp <= D.
type EligibilityRecord struct {
	Asset    string            `json:"asset"`
	Eligible bool              `json:"eligible"`
	Reason   EligibilityReason `json:"reason"`
}

// Score is a factor score with an explicit validity flag. An invalid score
// means "undefined" (insufficient data) and such assets are excluded from
// ranking, never silently ranked as worst. This replaces float NaN as the
// sentinel so undefined-ness survives serialization boundaries.
type Score struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// ValidScore wraps a defined score value.
func ValidScore(v float64) Score {
	return Score{Value: v, Valid: true}
}

// UndefinedScore marks a score as undefined.
func UndefinedScore() Score {
	return Score{}
}

// PreselectionResult is the ordered outcome of factor-based preselection.
// Selected holds at most top_k assets, ranked descending by score with ties
// broken by ascending asset identifier. Ranks holds 1-based ranks for every
// scored asset (including those outside the top-k) so the membership buffer
// can consult ranks beyond the cutoff. Dropped lists assets whose score was
// undefined inside the window.
type PreselectionResult struct {
	AsOf     string           `json:"as_of"`
	Selected []string         `json:"selected"`
	Ranks    map[string]int   `json:"ranks"`
	Scores   map[string]Score `json:"scores"`
	Dropped  []string         `json:"dropped"`
}

// Rank returns the preselection rank for an asset, or 0 if it was not scored.
func (p *PreselectionResult) Rank(asset string) int {
	if p == nil || p.Ranks == nil {
		return 0
	}
	return p.Ranks[asset]
}

// MembershipDecision is the final target asset set for a rebalance plus an
// audit log of every protection and truncation applied along the way.
type MembershipDecision struct {
	AsOf   string   `json:"as_of"`
	Target []string `json:"target"`

	// Audit trail
	BufferProtected   []string `json:"buffer_protected,omitempty"`
	HoldingProtected  []string `json:"holding_protected,omitempty"`
	ForcedRemovals    []string `json:"forced_removals,omitempty"`
	TruncatedAdds     []string `json:"truncated_adds,omitempty"`
	TruncatedRemovals []string `json:"truncated_removals,omitempty"`
	Additions         []string `json:"additions"`
	Removals          []string `json:"removals"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Trade is a single simulated execution in the blotter.
type Trade struct {
	Date       string  `json:"date"`
	Asset      string  `json:"asset"`
	Side       string  `json:"side"` // BUY or SELL
	Shares     float64 `json:"shares"`
	Price      float64 `json:"price"` // Execution price including slippage
	Value      float64 `json:"value"`
	Commission float64 `json:"commission"`
	Slippage   float64 `json:"slippage"`
}

// RebalanceEvent records one rebalance: the trigger, pipeline decisions,
// executed trades and resulting weights. Appended to the rebalance log.
type RebalanceEvent struct {
	Date         string              `json:"date"`
	Trigger      RebalanceTrigger    `json:"trigger"`
	Eligible     []string            `json:"eligible"`
	Preselection *PreselectionResult `json:"preselection,omitempty"`
	Membership   *MembershipDecision `json:"membership,omitempty"`
	Trades       []Trade             `json:"trades"`
	Costs        float64             `json:"costs"`
	Weights      map[string]float64  `json:"weights"`
	Skipped      bool                `json:"skipped"`
	SkipReason   string              `json:"skip_reason,omitempty"`
}

// EquityPoint is one day of the equity curve.
type EquityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
	Return float64 `json:"return"`
}

// PerformanceMetrics summarizes an equity curve for reporting.
type PerformanceMetrics struct {
	TotalReturn      float64  `json:"total_return"`
	CAGR             float64  `json:"cagr"`
	AnnualizedVol    float64  `json:"annualized_vol"`
	SharpeRatio      *float64 `json:"sharpe_ratio,omitempty"`
	SortinoRatio     *float64 `json:"sortino_ratio,omitempty"`
	MaxDrawdown      float64  `json:"max_drawdown"`
	RecentVolatility *float64 `json:"recent_volatility,omitempty"`
	TradingDays      int      `json:"trading_days"`
	RebalanceCount   int      `json:"rebalance_count"`
	TotalTrades      int      `json:"total_trades"`
	TotalCosts       float64  `json:"total_costs"`
	WinRate          float64  `json:"win_rate"`
}

// BacktestResult is everything a run produces: the equity curve, the full
// trade blotter, the rebalance decision log and every recovered warning.
// It is self-contained so downstream reporting never needs engine internals.
type BacktestResult struct {
	RunID       string              `json:"run_id"`
	StartDate   string              `json:"start_date"`
	EndDate     string              `json:"end_date"`
	EquityCurve []EquityPoint       `json:"equity_curve"`
	Trades      []Trade             `json:"trades"`
	Rebalances  []RebalanceEvent    `json:"rebalances"`
	Warnings    []string            `json:"warnings"`
	Metrics     *PerformanceMetrics `json:"metrics,omitempty"`
	FinalState  *PortfolioState     `json:"final_state,omitempty"`
}

// PortfolioState is the engine-owned mutable simulation state. Created at run
// start, mutated only by the engine's rebalance and daily valuation steps, and
// returned to the caller (with its full history) when the run completes.
type PortfolioState struct {
	Holdings       map[string]float64 `json:"holdings"` // asset -> shares
	Cash           float64            `json:"cash"`
	Equity         float64            `json:"equity"`
	HoldingPeriods map[string]int     `json:"holding_periods"` // rebalances survived
	LastRebalance  string             `json:"last_rebalance,omitempty"`
	LastPrices     map[string]float64 `json:"-"` // last valid price per held asset
	TargetWeights  map[string]float64 `json:"target_weights,omitempty"`
	Initialized    bool               `json:"initialized"`
}

// NewPortfolioState creates an empty portfolio holding only cash.
func NewPortfolioState(initialCash float64) *PortfolioState {
	return &PortfolioState{
		Holdings:       make(map[string]float64),
		Cash:           initialCash,
		Equity:         initialCash,
		HoldingPeriods: make(map[string]int),
		LastPrices:     make(map[string]float64),
		TargetWeights:  make(map[string]float64),
	}
}

// HeldAssets returns the currently held asset identifiers (shares > 0).
func (s *PortfolioState) HeldAssets() []string {
	assets := make([]string, 0, len(s.Holdings))
	for asset, shares := range s.Holdings {
		if shares > 0 {
			assets = append(assets, asset)
		}
	}
	return assets
}

// Weights returns current portfolio weights given per-asset prices.
// Returns nil if total equity is not positive.
func (s *PortfolioState) Weights(prices map[string]float64) map[string]float64 {
	total := s.Cash
	for asset, shares := range s.Holdings {
		if price, ok := prices[asset]; ok {
			total += shares * price
		}
	}
	if total <= 0 {
		return nil
	}

	weights := make(map[string]float64, len(s.Holdings))
	for asset, shares := range s.Holdings {
		if price, ok := prices[asset]; ok {
			weights[asset] = shares * price / total
		}
	}
	return weights
}
