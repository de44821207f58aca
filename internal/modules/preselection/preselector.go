// Package preselection ranks eligible assets by factor score and truncates
// the universe to a tractable candidate set.
package preselection

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/calculations"
	"github.com/aristath/hindsight/pkg/formulas"
	"github.com/rs/zerolog"
)

// Method selects the scoring factor.
type Method string

const (
	MethodMomentum      Method = "momentum"
	MethodLowVolatility Method = "low_volatility"
	MethodCombined      Method = "combined"
)

// Config holds preselection parameters.
type Config struct {
	Method     Method `json:"method"`
	TopK       int    `json:"top_k"`
	Lookback   int    `json:"lookback"`    // scoring window length in trading days
	Skip       int    `json:"skip"`        // most recent trading days excluded from the window
	MinPeriods int    `json:"min_periods"` // valid returns required inside the window for a defined score

	// Combined-method factor weights; they need not sum to 1.
	MomentumWeight   float64 `json:"momentum_weight"`
	VolatilityWeight float64 `json:"volatility_weight"`
}

// DefaultConfig returns a 12-1 momentum preselection over the top 20 assets.
func DefaultConfig() Config {
	return Config{
		Method:           MethodMomentum,
		TopK:             20,
		Lookback:         252,
		Skip:             21,
		MinPeriods:       126,
		MomentumWeight:   0.5,
		VolatilityWeight: 0.5,
	}
}

// Validate rejects contradictory parameters.
func (c Config) Validate() error {
	switch c.Method {
	case MethodMomentum, MethodLowVolatility, MethodCombined:
	default:
		return &domain.ConfigError{Field: "method", Reason: fmt.Sprintf("unknown method %q", c.Method)}
	}
	if c.TopK < 1 {
		return &domain.ConfigError{Field: "top_k", Reason: fmt.Sprintf("must be at least 1, got %d", c.TopK)}
	}
	if c.Lookback < 1 {
		return &domain.ConfigError{Field: "lookback", Reason: fmt.Sprintf("must be at least 1, got %d", c.Lookback)}
	}
	if c.Skip < 0 {
		return &domain.ConfigError{Field: "skip", Reason: fmt.Sprintf("must not be negative, got %d", c.Skip)}
	}
	if c.MinPeriods < 1 {
		return &domain.ConfigError{Field: "min_periods", Reason: fmt.Sprintf("must be at least 1, got %d", c.MinPeriods)}
	}
	if c.MinPeriods > c.Lookback {
		return &domain.ConfigError{Field: "min_periods", Reason: fmt.Sprintf("must not exceed lookback %d, got %d", c.Lookback, c.MinPeriods)}
	}
	return nil
}

// fingerprint identifies the scoring configuration inside cache keys.
func (c Config) fingerprint() string {
	return fmt.Sprintf("%s|%d|%d|%d|%.6f|%.6f",
		c.Method, c.Lookback, c.Skip, c.MinPeriods, c.MomentumWeight, c.VolatilityWeight)
}

// Preselector scores eligible assets over a trailing returns window.
type Preselector struct {
	cfg   Config
	cache *calculations.Cache
	log   zerolog.Logger
}

// NewPreselector creates a preselector. The config must already be validated.
func NewPreselector(cfg Config, cache *calculations.Cache, log zerolog.Logger) *Preselector {
	return &Preselector{
		cfg:   cfg,
		cache: cache,
		log:   log.With().Str("component", "preselection").Logger(),
	}
}

// Select scores the eligible assets as of asOf and returns the ranked result.
// The scoring window covers the lookback trading days ending skip days before
// asOf; rows at or after asOf are never read. Assets with undefined scores
// are dropped before ranking. If every score is undefined the result carries
// an empty selection; the caller decides what that means.
func (p *Preselector) Select(eligible []string, asOf string, returns *domain.Panel) (*domain.PreselectionResult, error) {
	result := &domain.PreselectionResult{
		AsOf:     asOf,
		Selected: []string{},
		Ranks:    map[string]int{},
		Scores:   map[string]domain.Score{},
		Dropped:  []string{},
	}
	if len(eligible) == 0 {
		return result, nil
	}

	end := returns.IndexAtOrBefore(asOf)
	if end >= 0 && returns.Dates[end] == asOf {
		end-- // the as-of row itself is not observable yet
	}
	end = end + 1 - p.cfg.Skip // exclusive
	start := end - p.cfg.Lookback
	if end <= 0 {
		for _, asset := range eligible {
			result.Scores[asset] = domain.UndefinedScore()
		}
		result.Dropped = sortedCopy(eligible)
		return result, nil
	}
	window := returns.Window(start, end)

	scores, err := p.scoreWindow(eligible, window)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		asset string
		score float64
	}
	var valid []ranked
	for _, asset := range eligible {
		s := scores[asset]
		result.Scores[asset] = s
		if s.Valid {
			valid = append(valid, ranked{asset: asset, score: s.Value})
		} else {
			result.Dropped = append(result.Dropped, asset)
		}
	}
	sort.Strings(result.Dropped)

	// Descending score; equal scores ordered by ascending asset identifier
	// so the ranking is reproducible run to run.
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].score != valid[j].score {
			return valid[i].score > valid[j].score
		}
		return valid[i].asset < valid[j].asset
	})

	for i, r := range valid {
		result.Ranks[r.asset] = i + 1
		if i < p.cfg.TopK {
			result.Selected = append(result.Selected, r.asset)
		}
	}

	p.log.Debug().
		Str("as_of", asOf).
		Int("eligible", len(eligible)).
		Int("selected", len(result.Selected)).
		Int("dropped", len(result.Dropped)).
		Msg("Preselection complete")

	return result, nil
}

// scoreWindow computes (or retrieves) the score vector for a window.
func (p *Preselector) scoreWindow(assets []string, window *domain.Panel) (map[string]domain.Score, error) {
	compute := func() (map[string]domain.Score, error) {
		return p.computeScores(assets, window), nil
	}

	if p.cache == nil || len(window.Dates) == 0 {
		return compute()
	}

	key := calculations.Key(
		"preselection",
		window.Dates[0],
		window.Dates[len(window.Dates)-1],
		assets,
		p.cfg.fingerprint(),
		window.Fingerprint(),
	)
	return calculations.GetOrCompute(p.cache, key, compute)
}

func (p *Preselector) computeScores(assets []string, window *domain.Panel) map[string]domain.Score {
	momentum := make(map[string]domain.Score, len(assets))
	lowVol := make(map[string]domain.Score, len(assets))

	for _, asset := range assets {
		rets := validReturns(window.Column(asset))
		if len(rets) < p.cfg.MinPeriods {
			momentum[asset] = domain.UndefinedScore()
			lowVol[asset] = domain.UndefinedScore()
			continue
		}
		momentum[asset] = domain.ValidScore(formulas.CompoundReturn(rets))
		lowVol[asset] = domain.ValidScore(-formulas.StdDev(rets))
	}

	switch p.cfg.Method {
	case MethodMomentum:
		return momentum
	case MethodLowVolatility:
		return lowVol
	default:
		return p.combineScores(assets, momentum, lowVol)
	}
}

// combineScores standardizes each factor cross-sectionally and sums the
// weighted z-scores. Only assets defined on both factors participate; the
// z-score cross-section covers exactly those assets.
func (p *Preselector) combineScores(assets []string, momentum, lowVol map[string]domain.Score) map[string]domain.Score {
	out := make(map[string]domain.Score, len(assets))

	var defined []string
	for _, asset := range assets {
		if momentum[asset].Valid && lowVol[asset].Valid {
			defined = append(defined, asset)
		} else {
			out[asset] = domain.UndefinedScore()
		}
	}
	sort.Strings(defined)
	if len(defined) == 0 {
		return out
	}

	momValues := make([]float64, len(defined))
	volValues := make([]float64, len(defined))
	for i, asset := range defined {
		momValues[i] = momentum[asset].Value
		volValues[i] = lowVol[asset].Value
	}

	momZ := formulas.ZScores(momValues)
	volZ := formulas.ZScores(volValues)

	for i, asset := range defined {
		out[asset] = domain.ValidScore(p.cfg.MomentumWeight*momZ[i] + p.cfg.VolatilityWeight*volZ[i])
	}
	return out
}

func validReturns(col []float64) []float64 {
	out := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}
