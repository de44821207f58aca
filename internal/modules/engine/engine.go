// Package engine drives a backtest day by day: valuation, trigger checks,
// the rebalancing decision pipeline and simulated execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/analytics"
	"github.com/aristath/hindsight/internal/modules/calculations"
	"github.com/aristath/hindsight/internal/modules/eligibility"
	"github.com/aristath/hindsight/internal/modules/membership"
	"github.com/aristath/hindsight/internal/modules/preselection"
	"github.com/aristath/hindsight/internal/modules/scheduling"
	"github.com/aristath/hindsight/internal/modules/strategies"
)

// Engine runs backtests. One Run is single-threaded; concurrency happens at
// the sweep level only, sharing the statistics cache.
type Engine struct {
	cache *calculations.Cache
	log   zerolog.Logger
}

// New creates a backtest engine. cache may be nil.
func New(cache *calculations.Cache, log zerolog.Logger) *Engine {
	return &Engine{
		cache: cache,
		log:   log.With().Str("component", "engine").Logger(),
	}
}

// run carries the mutable state of one backtest.
type run struct {
	cfg      Config
	strategy strategies.WeightingStrategy

	filter      *eligibility.Filter
	preselector *preselection.Preselector
	policy      *membership.Policy
	scheduler   *scheduling.Scheduler

	prices  *domain.Panel
	returns *domain.Panel

	universe []string
	state    *domain.PortfolioState
	result   *domain.BacktestResult

	log zerolog.Logger
}

// Run executes one backtest over [cfg.StartDate, cfg.EndDate]. The decision
// pipeline at each trigger sees only data observable on that day. The run is
// cancellable between days; a rebalance never executes partially.
func (e *Engine) Run(ctx context.Context, cfg Config, strategy strategies.WeightingStrategy, prices, returns *domain.Panel) (*domain.BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strategy == nil {
		return nil, &domain.ConfigError{Field: "strategy", Reason: "no weighting strategy provided"}
	}

	r := &run{
		cfg:         cfg,
		strategy:    strategy,
		filter:      eligibility.NewFilter(cfg.Eligibility, e.log),
		preselector: preselection.NewPreselector(cfg.Preselection, e.cache, e.log),
		policy:      membership.NewPolicy(cfg.Membership, e.log),
		scheduler:   scheduling.NewScheduler(cfg.Scheduling, e.log),
		prices:      prices,
		returns:     returns,
		universe:    prices.Assets(),
		state:       domain.NewPortfolioState(cfg.InitialCash),
		result: &domain.BacktestResult{
			RunID:     uuid.New().String(),
			StartDate: cfg.StartDate,
			EndDate:   cfg.EndDate,
			Trades:    []domain.Trade{},
			Warnings:  []string{},
		},
		log: e.log,
	}

	first := sort.SearchStrings(prices.Dates, cfg.StartDate)
	prevDate := ""
	prevEquity := cfg.InitialCash

	for i := first; i < len(prices.Dates) && prices.Dates[i] <= cfg.EndDate; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("backtest cancelled at %s: %w", prices.Dates[i], ctx.Err())
		default:
		}

		date := prices.Dates[i]

		dayPrices, err := r.markPrices(date, i)
		if err != nil {
			return nil, err
		}
		equity := r.valuation(dayPrices)
		weights := r.state.Weights(dayPrices)

		trigger, err := r.scheduler.Check(date, prevDate, r.state, weights)
		if err != nil {
			return nil, err
		}
		if trigger != nil {
			if err := r.rebalance(date, i, trigger, dayPrices); err != nil {
				return nil, err
			}
			equity = r.valuation(dayPrices)
		}

		dailyReturn := 0.0
		if prevEquity > 0 {
			dailyReturn = equity/prevEquity - 1.0
		}
		r.state.Equity = equity
		r.result.EquityCurve = append(r.result.EquityCurve, domain.EquityPoint{
			Date:   date,
			Equity: equity,
			Return: dailyReturn,
		})

		prevDate = date
		prevEquity = equity
	}

	if len(r.result.EquityCurve) == 0 {
		return nil, domain.DataQualityError("no trading days between %s and %s", cfg.StartDate, cfg.EndDate)
	}

	r.result.Metrics = analytics.Compute(r.result, 0)
	r.result.FinalState = r.state

	e.log.Info().
		Str("run_id", r.result.RunID).
		Str("strategy", strategy.Name()).
		Int("trading_days", len(r.result.EquityCurve)).
		Int("rebalances", r.result.Metrics.RebalanceCount).
		Float64("final_equity", r.state.Equity).
		Msg("Backtest complete")

	return r.result, nil
}

// markPrices resolves a close for every held asset on date. A missing close
// either carries the last seen price forward or aborts the run, depending on
// configuration; it never silently becomes a zero return.
func (r *run) markPrices(date string, idx int) (map[string]float64, error) {
	prices := make(map[string]float64)

	for _, asset := range r.universe {
		v := r.prices.Value(asset, idx)
		if !math.IsNaN(v) {
			prices[asset] = v
			if _, held := r.state.Holdings[asset]; held {
				r.state.LastPrices[asset] = v
			}
		}
	}

	for _, asset := range r.state.HeldAssets() {
		if _, ok := prices[asset]; ok {
			continue
		}
		if r.cfg.CarryForwardMissing {
			if last, ok := r.state.LastPrices[asset]; ok {
				prices[asset] = last
				r.warnf("carried forward price for %s on %s", asset, date)
				continue
			}
		}
		return nil, domain.DataQualityError(
			"held asset %s has no price on %s (shares %.4f, last rebalance %s)",
			asset, date, r.state.Holdings[asset], r.state.LastRebalance)
	}

	return prices, nil
}

func (r *run) valuation(prices map[string]float64) float64 {
	equity := r.state.Cash
	for asset, shares := range r.state.Holdings {
		equity += shares * prices[asset]
	}
	return equity
}

// rebalance runs the full decision pipeline for one trigger and executes the
// resulting trades. It either completes or leaves the state untouched.
func (r *run) rebalance(date string, idx int, trigger *scheduling.TriggerDecision, dayPrices map[string]float64) error {
	event := domain.RebalanceEvent{
		Date:    date,
		Trigger: trigger.Trigger,
		Trades:  []domain.Trade{},
	}

	eligibleSet, err := r.filter.Eligible(r.universe, date, r.prices)
	if err != nil {
		return err
	}
	event.Eligible = sortedKeys(eligibleSet)

	// Truncate the returns panel at the decision date so nothing after it
	// can leak into scoring or weighting.
	rEnd := r.returns.IndexAtOrBefore(date)
	observable := r.returns.Window(0, rEnd+1)

	presel, err := r.preselector.Select(event.Eligible, date, observable)
	if err != nil {
		return err
	}
	event.Preselection = presel

	if len(presel.Selected) == 0 {
		r.skipRebalance(&event, fmt.Sprintf("no scorable candidates on %s", date))
		return nil
	}

	decision := r.policy.Apply(presel, r.state.HeldAssets(), eligibleSet, r.state.HoldingPeriods)
	event.Membership = &decision
	for _, w := range decision.Warnings {
		r.warnf("%s: %s", date, w)
	}

	if len(decision.Target) == 0 {
		r.skipRebalance(&event, fmt.Sprintf("empty target set on %s", date))
		return nil
	}

	window := observable.Window(len(observable.Dates)-r.cfg.StrategyLookback, len(observable.Dates))
	weights, err := r.strategy.Weights(decision.Target, window)
	if err != nil {
		if errors.Is(err, domain.ErrStrategyFailure) {
			// Keep the previous allocation and move on.
			r.warnf("%s: strategy %s failed, keeping previous weights: %v", date, r.strategy.Name(), err)
			r.skipRebalance(&event, fmt.Sprintf("strategy failure: %v", err))
			return nil
		}
		return err
	}

	r.execute(date, &event, weights, dayPrices)

	// Holding-period counters: survivors age, entries start at zero,
	// exits are forgotten.
	newCounters := make(map[string]int, len(weights))
	for asset := range weights {
		if _, held := r.state.Holdings[asset]; held {
			newCounters[asset] = r.state.HoldingPeriods[asset] + 1
		} else {
			newCounters[asset] = 0
		}
	}
	r.state.HoldingPeriods = newCounters

	r.state.TargetWeights = weights
	r.state.LastRebalance = date
	r.state.Initialized = true

	event.Weights = weights
	r.result.Rebalances = append(r.result.Rebalances, event)

	r.log.Debug().
		Str("date", date).
		Str("trigger", string(trigger.Trigger)).
		Int("target", len(decision.Target)).
		Int("trades", len(event.Trades)).
		Msg("Rebalanced")

	return nil
}

func (r *run) skipRebalance(event *domain.RebalanceEvent, reason string) {
	event.Skipped = true
	event.SkipReason = reason
	r.warnf("rebalance skipped: %s", reason)
	r.result.Rebalances = append(r.result.Rebalances, *event)
}

// execute turns target weights into trades against the current holdings.
// Sells run before buys so proceeds fund the purchases. Execution prices
// include slippage; commissions are rate-based with a flat minimum.
func (r *run) execute(date string, event *domain.RebalanceEvent, weights map[string]float64, dayPrices map[string]float64) {
	equity := r.valuation(dayPrices)

	type order struct {
		asset string
		delta float64 // target value - current value
		price float64
	}
	var sells, buys []order

	assets := make(map[string]bool, len(weights)+len(r.state.Holdings))
	for asset := range weights {
		assets[asset] = true
	}
	for asset := range r.state.Holdings {
		assets[asset] = true
	}

	for _, asset := range sortedKeys(assets) {
		price, ok := dayPrices[asset]
		if !ok || price <= 0 {
			if weights[asset] > 0 {
				r.warnf("%s: no price for target asset %s, weight dropped", date, asset)
			}
			continue
		}

		current := r.state.Holdings[asset] * price
		target := weights[asset] * equity
		delta := target - current
		if math.Abs(delta) < 1e-9 {
			continue
		}
		if delta < 0 {
			sells = append(sells, order{asset: asset, delta: delta, price: price})
		} else {
			buys = append(buys, order{asset: asset, delta: delta, price: price})
		}
	}

	for _, o := range sells {
		r.fill(date, event, o.asset, o.delta, o.price)
	}
	for _, o := range buys {
		r.fill(date, event, o.asset, o.delta, o.price)
	}
}

// fill executes a single order for the given value delta at the given close.
func (r *run) fill(date string, event *domain.RebalanceEvent, asset string, delta, price float64) {
	side := "BUY"
	execPrice := price * (1 + r.cfg.SlippageRate)
	if delta < 0 {
		side = "SELL"
		execPrice = price * (1 - r.cfg.SlippageRate)
	}

	shares := math.Abs(delta) / price
	if held := r.state.Holdings[asset]; delta < 0 && shares > held {
		shares = held // never sell more than we hold
	}
	if shares <= 0 {
		return
	}

	value := shares * execPrice
	commission := math.Max(value*r.cfg.CommissionRate, r.cfg.MinCommission)
	slippageCost := shares * price * r.cfg.SlippageRate

	if side == "BUY" {
		r.state.Holdings[asset] += shares
		r.state.Cash -= value + commission
	} else {
		r.state.Holdings[asset] -= shares
		if r.state.Holdings[asset] < 1e-12 {
			delete(r.state.Holdings, asset)
		}
		r.state.Cash += value - commission
	}
	r.state.LastPrices[asset] = price

	trade := domain.Trade{
		Date:       date,
		Asset:      asset,
		Side:       side,
		Shares:     shares,
		Price:      execPrice,
		Value:      value,
		Commission: commission,
		Slippage:   slippageCost,
	}
	event.Trades = append(event.Trades, trade)
	event.Costs += commission + slippageCost
	r.result.Trades = append(r.result.Trades, trade)
}

func (r *run) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.result.Warnings = append(r.result.Warnings, msg)
	r.log.Warn().Msg(msg)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
