// Package universe provides the asset universe and its historical price store.
package universe

import (
	"database/sql"
	"fmt"

	"github.com/aristath/hindsight/internal/database"
	"github.com/rs/zerolog"
)

// Repository provides access to securities and daily price history.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new universe repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "universe_repository").Logger(),
	}
}

// Security is one member of the investable universe.
type Security struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Active   bool   `json:"active"`
}

// DailyPrice represents one daily closing price observation.
type DailyPrice struct {
	Symbol string   `json:"symbol"`
	Date   string   `json:"date"`
	Close  float64  `json:"close"`
	Volume *float64 `json:"volume,omitempty"`
}

// ActiveSymbols returns the symbols of all active securities, ordered ascending.
func (r *Repository) ActiveSymbols() ([]string, error) {
	rows, err := r.db.Query(`SELECT symbol FROM securities WHERE active = 1 ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active securities: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan security symbol: %w", err)
		}
		symbols = append(symbols, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating securities: %w", err)
	}

	return symbols, nil
}

// UpsertSecurity inserts or updates a security record.
func (r *Repository) UpsertSecurity(sec Security) error {
	active := 0
	if sec.Active {
		active = 1
	}

	_, err := r.db.Exec(`
		INSERT INTO securities (symbol, name, currency, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			active = excluded.active
	`, sec.Symbol, sec.Name, sec.Currency, active)
	if err != nil {
		return fmt.Errorf("failed to upsert security %s: %w", sec.Symbol, err)
	}

	return nil
}

// GetPrices fetches daily closes for a symbol within [startDate, endDate],
// ordered by date ascending. Dates are YYYY-MM-DD strings.
func (r *Repository) GetPrices(symbol, startDate, endDate string) ([]DailyPrice, error) {
	rows, err := r.db.Query(`
		SELECT symbol, date, close, volume
		FROM daily_prices
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, symbol, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily prices for %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanPrices(rows)
}

// GetUniversePrices fetches all daily closes for the given symbols within
// [startDate, endDate], ordered by symbol then date.
func (r *Repository) GetUniversePrices(symbols []string, startDate, endDate string) ([]DailyPrice, error) {
	if len(symbols) == 0 {
		return []DailyPrice{}, nil
	}

	query := `
		SELECT symbol, date, close, volume
		FROM daily_prices
		WHERE symbol IN (` + placeholders(len(symbols)) + `) AND date >= ? AND date <= ?
		ORDER BY symbol ASC, date ASC
	`

	args := make([]interface{}, 0, len(symbols)+2)
	for _, s := range symbols {
		args = append(args, s)
	}
	args = append(args, startDate, endDate)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query universe prices: %w", err)
	}
	defer rows.Close()

	return scanPrices(rows)
}

// SyncPrices upserts a batch of daily prices in a single transaction.
func (r *Repository) SyncPrices(prices []DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO daily_prices (symbol, date, close, volume)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare price upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range prices {
			var volume interface{}
			if p.Volume != nil {
				volume = *p.Volume
			}
			if _, err := stmt.Exec(p.Symbol, p.Date, p.Close, volume); err != nil {
				return fmt.Errorf("failed to upsert price %s/%s: %w", p.Symbol, p.Date, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().Int("count", len(prices)).Msg("Synced daily prices")
	return nil
}

// TradingDates returns the distinct dates on which any of the given symbols
// traded within [startDate, endDate], ascending. This is the backtest's
// trading calendar.
func (r *Repository) TradingDates(symbols []string, startDate, endDate string) ([]string, error) {
	if len(symbols) == 0 {
		return []string{}, nil
	}

	query := `
		SELECT DISTINCT date
		FROM daily_prices
		WHERE symbol IN (` + placeholders(len(symbols)) + `) AND date >= ? AND date <= ?
		ORDER BY date ASC
	`

	args := make([]interface{}, 0, len(symbols)+2)
	for _, s := range symbols {
		args = append(args, s)
	}
	args = append(args, startDate, endDate)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan trading date: %w", err)
		}
		dates = append(dates, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trading dates: %w", err)
	}

	return dates, nil
}

func scanPrices(rows *sql.Rows) ([]DailyPrice, error) {
	var prices []DailyPrice
	for rows.Next() {
		var p DailyPrice
		var volume sql.NullFloat64

		if err := rows.Scan(&p.Symbol, &p.Date, &p.Close, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan daily price: %w", err)
		}
		if volume.Valid {
			p.Volume = &volume.Float64
		}

		prices = append(prices, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily prices: %w", err)
	}

	return prices, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
