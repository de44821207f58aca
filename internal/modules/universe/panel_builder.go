package universe

import (
	"fmt"
	"math"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/rs/zerolog"
)

// PanelBuilder assembles aligned price panels from the price store.
// It only aligns observations on a shared date axis and derives simple
// returns; filling gaps is the data pipeline's job, not the builder's,
// so missing cells stay NaN.
type PanelBuilder struct {
	repo *Repository
	log  zerolog.Logger
}

// NewPanelBuilder creates a new panel builder.
func NewPanelBuilder(repo *Repository, log zerolog.Logger) *PanelBuilder {
	return &PanelBuilder{
		repo: repo,
		log:  log.With().Str("component", "panel_builder").Logger(),
	}
}

// BuildPricePanel loads closes for the given symbols over [startDate, endDate]
// and aligns them on the union of trading dates. Symbols with no observations
// in the range get no column at all.
func (b *PanelBuilder) BuildPricePanel(symbols []string, startDate, endDate string) (*domain.Panel, error) {
	dates, err := b.repo.TradingDates(symbols, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to build trading calendar: %w", err)
	}
	if len(dates) == 0 {
		return domain.NewPanel(nil), nil
	}

	dateIdx := make(map[string]int, len(dates))
	for i, d := range dates {
		dateIdx[d] = i
	}

	prices, err := b.repo.GetUniversePrices(symbols, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load universe prices: %w", err)
	}

	panel := domain.NewPanel(dates)
	for _, p := range prices {
		col, ok := panel.Columns[p.Symbol]
		if !ok {
			col = make([]float64, len(dates))
			for i := range col {
				col[i] = math.NaN()
			}
			panel.Columns[p.Symbol] = col
		}
		if idx, ok := dateIdx[p.Date]; ok {
			col[idx] = p.Close
		}
	}

	b.log.Debug().
		Int("dates", len(dates)).
		Int("assets", len(panel.Columns)).
		Str("start", startDate).
		Str("end", endDate).
		Msg("Built price panel")

	return panel, nil
}

// BuildPanels builds the aligned price panel and its derived returns panel.
func (b *PanelBuilder) BuildPanels(symbols []string, startDate, endDate string) (prices, returns *domain.Panel, err error) {
	prices, err = b.BuildPricePanel(symbols, startDate, endDate)
	if err != nil {
		return nil, nil, err
	}
	return prices, prices.Returns(), nil
}
