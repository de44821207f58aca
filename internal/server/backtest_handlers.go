package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/engine"
	"github.com/aristath/hindsight/internal/modules/results"
	"github.com/aristath/hindsight/internal/modules/risk"
	"github.com/aristath/hindsight/internal/modules/strategies"
	"github.com/aristath/hindsight/internal/modules/sweep"
	"github.com/aristath/hindsight/internal/modules/universe"
)

// BacktestHandlers serves the backtest API.
type BacktestHandlers struct {
	engine       *engine.Engine
	runner       *sweep.Runner
	results      *results.Repository
	universe     *universe.Repository
	panelBuilder *universe.PanelBuilder
	riskBuilder  *risk.Builder
	log          zerolog.Logger
}

// NewBacktestHandlers creates the backtest handler set.
func NewBacktestHandlers(
	eng *engine.Engine,
	runner *sweep.Runner,
	resultsRepo *results.Repository,
	universeRepo *universe.Repository,
	panelBuilder *universe.PanelBuilder,
	riskBuilder *risk.Builder,
	log zerolog.Logger,
) *BacktestHandlers {
	return &BacktestHandlers{
		engine:       eng,
		runner:       runner,
		results:      resultsRepo,
		universe:     universeRepo,
		panelBuilder: panelBuilder,
		riskBuilder:  riskBuilder,
		log:          log.With().Str("component", "backtest_handlers").Logger(),
	}
}

// StrategyRequest selects and tunes a weighting strategy by name.
type StrategyRequest struct {
	Name       string `json:"name"`
	MinPeriods int    `json:"min_periods,omitempty"`
	Linkage    string `json:"linkage,omitempty"`
}

// BacktestRequest is the body of POST /api/backtests.
type BacktestRequest struct {
	Label    string          `json:"label"`
	Symbols  []string        `json:"symbols,omitempty"` // empty = all active securities
	Strategy StrategyRequest `json:"strategy"`
	Config   engine.Config   `json:"config"`
}

// SweepRequest is the body of POST /api/backtests/sweep. All variations run
// against one shared data panel built from the union symbol set.
type SweepRequest struct {
	Symbols    []string         `json:"symbols,omitempty"`
	Variations []SweepVariation `json:"variations"`
}

// SweepVariation is one backtest inside a sweep. Config is raw so omitted
// fields fall back to the same defaults a single run gets.
type SweepVariation struct {
	Label    string          `json:"label"`
	Strategy StrategyRequest `json:"strategy"`
	Config   json.RawMessage `json:"config"`
}

// BacktestResponse summarizes a completed run.
type BacktestResponse struct {
	RunID    string                     `json:"run_id"`
	Label    string                     `json:"label"`
	Metrics  *domain.PerformanceMetrics `json:"metrics"`
	Warnings []string                   `json:"warnings,omitempty"`
}

// SweepResponse reports per-variation outcomes in request order.
type SweepResponse struct {
	Outcomes []SweepOutcome `json:"outcomes"`
}

// SweepOutcome is one variation's result or failure.
type SweepOutcome struct {
	Label   string                     `json:"label"`
	RunID   string                     `json:"run_id,omitempty"`
	Metrics *domain.PerformanceMetrics `json:"metrics,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// storedConfig is the config document persisted alongside each run.
type storedConfig struct {
	Strategy StrategyRequest `json:"strategy"`
	Config   engine.Config   `json:"config"`
}

// HandleRunBacktest runs one backtest synchronously and stores the result.
// POST /api/backtests
func (h *BacktestHandlers) HandleRunBacktest(w http.ResponseWriter, r *http.Request) {
	req := BacktestRequest{Config: engine.DefaultConfig()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	strategy, err := h.buildStrategy(req.Strategy)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prices, returns, err := h.buildPanels(req.Symbols)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	req.Config.Label = req.Label
	result, err := h.engine.Run(r.Context(), req.Config, strategy, prices, returns)
	if err != nil {
		h.writeRunError(w, err)
		return
	}

	if err := h.results.Save(result, req.Label, storedConfig{Strategy: req.Strategy, Config: req.Config}); err != nil {
		h.log.Error().Err(err).Str("run_id", result.RunID).Msg("Failed to persist run")
		h.writeError(w, http.StatusInternalServerError, "run completed but could not be stored")
		return
	}

	h.writeJSON(w, http.StatusOK, BacktestResponse{
		RunID:    result.RunID,
		Label:    req.Label,
		Metrics:  result.Metrics,
		Warnings: result.Warnings,
	})
}

// HandleRunSweep runs a batch of variations on the worker pool and stores
// every successful run.
// POST /api/backtests/sweep
func (h *BacktestHandlers) HandleRunSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Variations) == 0 {
		h.writeError(w, http.StatusBadRequest, "sweep needs at least one variation")
		return
	}

	jobs := make([]sweep.Job, 0, len(req.Variations))
	for i, variation := range req.Variations {
		strategy, err := h.buildStrategy(variation.Strategy)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("variation %d: %v", i, err))
			return
		}
		cfg := engine.DefaultConfig()
		if len(variation.Config) > 0 {
			if err := json.Unmarshal(variation.Config, &cfg); err != nil {
				h.writeError(w, http.StatusBadRequest, fmt.Sprintf("variation %d: invalid config: %v", i, err))
				return
			}
		}
		cfg.Label = variation.Label
		jobs = append(jobs, sweep.Job{Label: variation.Label, Config: cfg, Strategy: strategy})
	}

	prices, returns, err := h.buildPanels(req.Symbols)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	outcomes := h.runner.Run(r.Context(), jobs, prices, returns)

	response := SweepResponse{Outcomes: make([]SweepOutcome, 0, len(outcomes))}
	for i, outcome := range outcomes {
		out := SweepOutcome{Label: outcome.Label}
		if outcome.Err != nil {
			out.Error = outcome.Err.Error()
		} else {
			stored := storedConfig{Strategy: req.Variations[i].Strategy, Config: jobs[i].Config}
			if err := h.results.Save(outcome.Result, outcome.Label, stored); err != nil {
				h.log.Error().Err(err).Str("run_id", outcome.Result.RunID).Msg("Failed to persist sweep run")
				out.Error = "run completed but could not be stored"
			} else {
				out.RunID = outcome.Result.RunID
				out.Metrics = outcome.Result.Metrics
			}
		}
		response.Outcomes = append(response.Outcomes, out)
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleListRuns returns recent run summaries.
// GET /api/backtests?limit=N
func (h *BacktestHandlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	summaries, err := h.results.ListRuns(limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, summaries)
}

// HandleGetRun returns one run summary.
// GET /api/backtests/{id}
func (h *BacktestHandlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.results.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// HandleGetRunConfig returns the stored configuration of a run.
// GET /api/backtests/{id}/config
func (h *BacktestHandlers) HandleGetRunConfig(w http.ResponseWriter, r *http.Request) {
	configJSON, err := h.results.GetConfig(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, configJSON)
}

// HandleGetEquityCurve returns a run's equity curve.
// GET /api/backtests/{id}/equity
func (h *BacktestHandlers) HandleGetEquityCurve(w http.ResponseWriter, r *http.Request) {
	curve, err := h.results.GetEquityCurve(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, curve)
}

// HandleGetTrades returns a run's trade blotter.
// GET /api/backtests/{id}/trades
func (h *BacktestHandlers) HandleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.results.GetTrades(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trades)
}

// HandleGetRebalances returns a run's rebalance decision log.
// GET /api/backtests/{id}/rebalances
func (h *BacktestHandlers) HandleGetRebalances(w http.ResponseWriter, r *http.Request) {
	events, err := h.results.GetRebalances(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// HandleListStrategies returns the registered strategy names.
// GET /api/strategies
func (h *BacktestHandlers) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"strategies": strategies.Names()})
}

// HandleListSymbols returns the active universe symbols.
// GET /api/universe/symbols
func (h *BacktestHandlers) HandleListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.universe.ActiveSymbols()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"symbols": symbols})
}

// SyncPricesRequest loads securities and their daily closes into the history
// database.
type SyncPricesRequest struct {
	Securities []universe.Security   `json:"securities,omitempty"`
	Prices     []universe.DailyPrice `json:"prices"`
}

// HandleSyncPrices ingests price history.
// POST /api/universe/prices
func (h *BacktestHandlers) HandleSyncPrices(w http.ResponseWriter, r *http.Request) {
	var req SyncPricesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	for _, sec := range req.Securities {
		if err := h.universe.UpsertSecurity(sec); err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := h.universe.SyncPrices(req.Prices); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"securities": len(req.Securities),
		"prices":     len(req.Prices),
	})
}

func (h *BacktestHandlers) buildStrategy(req StrategyRequest) (strategies.WeightingStrategy, error) {
	name := req.Name
	if name == "" {
		name = "equal_weight"
	}
	return strategies.New(name, h.riskBuilder, strategies.Options{
		MinPeriods: req.MinPeriods,
		Linkage:    strategies.Linkage(req.Linkage),
	})
}

// buildPanels loads the full price history for the requested symbols so the
// engine has warmup data before any start date. Empty symbols means the whole
// active universe.
func (h *BacktestHandlers) buildPanels(symbols []string) (*domain.Panel, *domain.Panel, error) {
	if len(symbols) == 0 {
		active, err := h.universe.ActiveSymbols()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load universe: %w", err)
		}
		symbols = active
	}
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("universe is empty, sync prices first")
	}
	return h.panelBuilder.BuildPanels(symbols, "0000-01-01", "9999-12-31")
}

func (h *BacktestHandlers) writeRunError(w http.ResponseWriter, err error) {
	var cfgErr *domain.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDataQuality):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *BacktestHandlers) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, results.ErrRunNotFound) {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *BacktestHandlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *BacktestHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
