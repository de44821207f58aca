// Package results persists completed backtest runs to the results database
// and serves them back to the API. Runs are append-only.
package results

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/hindsight/internal/database"
	"github.com/aristath/hindsight/internal/domain"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is the listing view of a stored run.
type RunSummary struct {
	ID        string                     `json:"id"`
	Label     string                     `json:"label"`
	StartDate string                     `json:"start_date"`
	EndDate   string                     `json:"end_date"`
	CreatedAt string                     `json:"created_at"`
	Metrics   *domain.PerformanceMetrics `json:"metrics,omitempty"`
	Warnings  []string                   `json:"warnings,omitempty"`
}

// Repository stores and retrieves backtest results.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a results repository on the results database.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "results").Logger(),
	}
}

// Save writes a completed run and its full history in one transaction.
// config is stored as JSON alongside the run so a result is reproducible.
func (r *Repository) Save(result *domain.BacktestResult, label string, config any) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}
	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	warningsJSON, err := json.Marshal(result.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO runs (id, label, start_date, end_date, config_json, metrics_json, warnings_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, label, result.StartDate, result.EndDate,
			string(configJSON), string(metricsJSON), string(warningsJSON),
		); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		pointStmt, err := tx.Prepare(`
			INSERT INTO equity_points (run_id, date, equity, return)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare equity insert: %w", err)
		}
		defer pointStmt.Close()
		for _, point := range result.EquityCurve {
			if _, err := pointStmt.Exec(result.RunID, point.Date, point.Equity, point.Return); err != nil {
				return fmt.Errorf("failed to insert equity point %s: %w", point.Date, err)
			}
		}

		tradeStmt, err := tx.Prepare(`
			INSERT INTO trades (run_id, date, symbol, side, shares, price, value, commission, slippage)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare trade insert: %w", err)
		}
		defer tradeStmt.Close()
		for _, trade := range result.Trades {
			if _, err := tradeStmt.Exec(result.RunID, trade.Date, trade.Asset, trade.Side,
				trade.Shares, trade.Price, trade.Value, trade.Commission, trade.Slippage); err != nil {
				return fmt.Errorf("failed to insert trade %s %s: %w", trade.Date, trade.Asset, err)
			}
		}

		eventStmt, err := tx.Prepare(`
			INSERT INTO rebalance_events (run_id, date, trigger_type, skipped, detail_json)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare rebalance insert: %w", err)
		}
		defer eventStmt.Close()
		for _, ev := range result.Rebalances {
			detail, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("failed to marshal rebalance event %s: %w", ev.Date, err)
			}
			if _, err := eventStmt.Exec(result.RunID, ev.Date, string(ev.Trigger), ev.Skipped, string(detail)); err != nil {
				return fmt.Errorf("failed to insert rebalance event %s: %w", ev.Date, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("run_id", result.RunID).
		Int("equity_points", len(result.EquityCurve)).
		Int("trades", len(result.Trades)).
		Msg("Saved backtest run")
	return nil
}

// ListRuns returns summaries of the most recent runs, newest first.
func (r *Repository) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT id, label, start_date, end_date, created_at, metrics_json, warnings_json
		FROM runs
		ORDER BY created_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	summaries := []RunSummary{}
	for rows.Next() {
		summary, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, rows.Err()
}

// GetRun fetches one run summary by id.
func (r *Repository) GetRun(id string) (*RunSummary, error) {
	row := r.db.QueryRow(`
		SELECT id, label, start_date, end_date, created_at, metrics_json, warnings_json
		FROM runs WHERE id = ?`, id)

	summary, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return summary, err
}

// GetConfig returns the stored run configuration JSON.
func (r *Repository) GetConfig(id string) (json.RawMessage, error) {
	var configJSON string
	err := r.db.QueryRow(`SELECT config_json FROM runs WHERE id = ?`, id).Scan(&configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run config: %w", err)
	}
	return json.RawMessage(configJSON), nil
}

// GetEquityCurve returns a run's full equity curve in date order.
func (r *Repository) GetEquityCurve(id string) ([]domain.EquityPoint, error) {
	if err := r.ensureRun(id); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(`
		SELECT date, equity, return FROM equity_points
		WHERE run_id = ? ORDER BY date`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch equity curve: %w", err)
	}
	defer rows.Close()

	points := []domain.EquityPoint{}
	for rows.Next() {
		var point domain.EquityPoint
		if err := rows.Scan(&point.Date, &point.Equity, &point.Return); err != nil {
			return nil, fmt.Errorf("failed to scan equity point: %w", err)
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// GetTrades returns a run's trade blotter in execution order.
func (r *Repository) GetTrades(id string) ([]domain.Trade, error) {
	if err := r.ensureRun(id); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(`
		SELECT date, symbol, side, shares, price, value, commission, slippage
		FROM trades WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trades: %w", err)
	}
	defer rows.Close()

	trades := []domain.Trade{}
	for rows.Next() {
		var trade domain.Trade
		if err := rows.Scan(&trade.Date, &trade.Asset, &trade.Side, &trade.Shares,
			&trade.Price, &trade.Value, &trade.Commission, &trade.Slippage); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// GetRebalances returns a run's rebalance decision log in event order.
func (r *Repository) GetRebalances(id string) ([]domain.RebalanceEvent, error) {
	if err := r.ensureRun(id); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(`
		SELECT detail_json FROM rebalance_events
		WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rebalance events: %w", err)
	}
	defer rows.Close()

	events := []domain.RebalanceEvent{}
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("failed to scan rebalance event: %w", err)
		}
		var ev domain.RebalanceEvent
		if err := json.Unmarshal([]byte(detail), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode rebalance event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *Repository) ensureRun(id string) error {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM runs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check run %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunSummary, error) {
	var summary RunSummary
	var metricsJSON, warningsJSON sql.NullString

	err := row.Scan(&summary.ID, &summary.Label, &summary.StartDate, &summary.EndDate,
		&summary.CreatedAt, &metricsJSON, &warningsJSON)
	if err != nil {
		return nil, err
	}

	if metricsJSON.Valid && metricsJSON.String != "" && metricsJSON.String != "null" {
		summary.Metrics = &domain.PerformanceMetrics{}
		if err := json.Unmarshal([]byte(metricsJSON.String), summary.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics for run %s: %w", summary.ID, err)
		}
	}
	if warningsJSON.Valid && warningsJSON.String != "" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &summary.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings for run %s: %w", summary.ID, err)
		}
	}

	return &summary, nil
}
