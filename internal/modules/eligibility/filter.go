// Package eligibility decides which universe assets may be considered for
// selection on a given date, using only data observable on that date.
package eligibility

import (
	"fmt"
	"math"
	"time"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/rs/zerolog"
)

// Constants for eligibility configuration defaults
const (
	DefaultMinHistoryDays  = 252 // ~1 year of calendar-listed history
	DefaultMinObservations = 200 // non-missing closes required before the as-of date
	DefaultDelistGapDays   = 10  // trailing gap beyond which an asset is considered delisted
)

// Config holds eligibility thresholds.
type Config struct {
	MinHistoryDays  int `json:"min_history_days"` // first observation must be at least this many calendar days before as-of
	MinObservations int `json:"min_observations"` // minimum non-missing observations strictly before as-of
	DelistGapDays   int `json:"delist_gap_days"`  // trailing gap (calendar days) that marks an asset delisted
}

// DefaultConfig returns the default eligibility configuration.
func DefaultConfig() Config {
	return Config{
		MinHistoryDays:  DefaultMinHistoryDays,
		MinObservations: DefaultMinObservations,
		DelistGapDays:   DefaultDelistGapDays,
	}
}

// Validate rejects contradictory thresholds.
func (c Config) Validate() error {
	if c.MinHistoryDays < 0 {
		return &domain.ConfigError{Field: "min_history_days", Reason: fmt.Sprintf("must not be negative, got %d", c.MinHistoryDays)}
	}
	if c.MinObservations < 0 {
		return &domain.ConfigError{Field: "min_observations", Reason: fmt.Sprintf("must not be negative, got %d", c.MinObservations)}
	}
	if c.DelistGapDays < 0 {
		return &domain.ConfigError{Field: "delist_gap_days", Reason: fmt.Sprintf("must not be negative, got %d", c.DelistGapDays)}
	}
	return nil
}

// Filter applies eligibility rules to a universe.
type Filter struct {
	cfg Config
	log zerolog.Logger
}

// NewFilter creates a new eligibility filter. The config must already be
// validated.
func NewFilter(cfg Config, log zerolog.Logger) *Filter {
	return &Filter{
		cfg: cfg,
		log: log.With().Str("component", "eligibility").Logger(),
	}
}

// Eligible returns the subset of the universe that is eligible at asOf.
// An empty universe yields an empty map.
func (f *Filter) Eligible(universe []string, asOf string, prices *domain.Panel) (map[string]bool, error) {
	records, err := f.Records(universe, asOf, prices)
	if err != nil {
		return nil, err
	}

	eligible := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Eligible {
			eligible[rec.Asset] = true
		}
	}
	return eligible, nil
}

// Records evaluates every universe asset at asOf and returns a full
// per-asset diagnostic. The decision depends only on observations with
// dates <= asOf; panel rows after asOf are never read, so a truncated
// panel and a full panel always agree. A trading halt that spans asOf
// longer than the delist gap is therefore treated as a delisting even
// when trading later resumes.
func (f *Filter) Records(universe []string, asOf string, prices *domain.Panel) ([]domain.EligibilityRecord, error) {
	asOfTime, err := time.Parse("2006-01-02", asOf)
	if err != nil {
		return nil, domain.DataQualityError("invalid as-of date %q: %v", asOf, err)
	}

	records := make([]domain.EligibilityRecord, 0, len(universe))
	for _, asset := range universe {
		rec := f.evaluate(asset, asOf, asOfTime, prices)
		records = append(records, rec)
	}

	return records, nil
}

func (f *Filter) evaluate(asset, asOf string, asOfTime time.Time, prices *domain.Panel) domain.EligibilityRecord {
	col := prices.Column(asset)

	firstIdx, lastAtOrBefore, observations := -1, -1, 0
	for i, v := range col {
		if prices.Dates[i] > asOf {
			break
		}
		if math.IsNaN(v) {
			continue
		}
		if firstIdx == -1 {
			firstIdx = i
		}
		lastAtOrBefore = i
		if prices.Dates[i] < asOf {
			observations++
		}
	}

	if firstIdx == -1 || lastAtOrBefore == -1 {
		return domain.EligibilityRecord{Asset: asset, Reason: domain.ReasonInsufficientHistory}
	}

	// Listing age: first observation must predate asOf by MinHistoryDays.
	firstTime, err := time.Parse("2006-01-02", prices.Dates[firstIdx])
	if err != nil || asOfTime.Sub(firstTime) < time.Duration(f.cfg.MinHistoryDays)*24*time.Hour {
		return domain.EligibilityRecord{Asset: asset, Reason: domain.ReasonInsufficientHistory}
	}

	if observations < f.cfg.MinObservations {
		return domain.EligibilityRecord{Asset: asset, Reason: domain.ReasonInsufficientHistory}
	}

	// Delisting: the trailing gap is judged from asOf alone. Whether trading
	// resumes later is unknowable at asOf and must not change the verdict.
	if prices.Dates[lastAtOrBefore] < asOf {
		lastTime, err := time.Parse("2006-01-02", prices.Dates[lastAtOrBefore])
		if err == nil && asOfTime.Sub(lastTime) > time.Duration(f.cfg.DelistGapDays)*24*time.Hour {
			return domain.EligibilityRecord{Asset: asset, Reason: domain.ReasonDelisted}
		}
	}

	return domain.EligibilityRecord{Asset: asset, Eligible: true, Reason: domain.ReasonOK}
}
