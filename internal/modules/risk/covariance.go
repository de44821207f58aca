// Package risk builds covariance models from returns panels for the
// weighting strategies.
package risk

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/aristath/hindsight/internal/modules/calculations"
	"github.com/rs/zerolog"
)

// Constants for risk model configuration
const (
	MinObservations          = 2    // covariance needs at least 2 aligned rows
	HighCorrelationThreshold = 0.80 // 80% correlation is considered "high"
)

// CorrelationPair flags two assets whose correlation exceeds the threshold.
type CorrelationPair struct {
	Asset1      string  `json:"asset1"`
	Asset2      string  `json:"asset2"`
	Correlation float64 `json:"correlation"`
}

// Model is a covariance matrix over a fixed asset ordering.
type Model struct {
	Assets []string    `json:"assets"` // ascending; row/column order of Cov
	Cov    [][]float64 `json:"cov"`
}

// Variance returns the diagonal entry for an asset, or NaN if absent.
func (m *Model) Variance(asset string) float64 {
	for i, a := range m.Assets {
		if a == asset {
			return m.Cov[i][i]
		}
	}
	return math.NaN()
}

// Builder computes Ledoit-Wolf shrunk covariance matrices from panel
// windows, caching results in the statistics cache.
type Builder struct {
	cache *calculations.Cache
	log   zerolog.Logger
}

// NewBuilder creates a covariance builder. cache may be nil.
func NewBuilder(cache *calculations.Cache, log zerolog.Logger) *Builder {
	return &Builder{
		cache: cache,
		log:   log.With().Str("component", "risk_model").Logger(),
	}
}

// Covariance builds the shrunk covariance matrix for the given assets over a
// returns window. Asset order in the result is ascending regardless of input
// order. Rows where any asset is missing are dropped so the columns stay
// aligned.
func (b *Builder) Covariance(assets []string, window *domain.Panel) (*Model, error) {
	if len(assets) == 0 {
		return nil, domain.DataQualityError("no assets for covariance")
	}

	sorted := make([]string, len(assets))
	copy(sorted, assets)
	sort.Strings(sorted)

	compute := func() (*Model, error) {
		return b.compute(sorted, window)
	}

	if b.cache == nil || len(window.Dates) == 0 {
		return compute()
	}

	key := calculations.Key(
		"covariance",
		window.Dates[0],
		window.Dates[len(window.Dates)-1],
		sorted,
		"ledoit-wolf",
		window.Fingerprint(),
	)
	return calculations.GetOrCompute(b.cache, key, compute)
}

func (b *Builder) compute(assets []string, window *domain.Panel) (*Model, error) {
	returns, observations, err := alignedReturns(assets, window)
	if err != nil {
		return nil, err
	}

	sampleCov := sampleCovariance(assets, returns)
	shrunk := ledoitWolfShrinkage(sampleCov)

	b.log.Debug().
		Int("assets", len(assets)).
		Int("observations", observations).
		Msg("Built covariance matrix")

	return &Model{Assets: assets, Cov: shrunk}, nil
}

// alignedReturns extracts complete-case return columns: only rows where
// every asset has a valid observation participate.
func alignedReturns(assets []string, window *domain.Panel) (map[string][]float64, int, error) {
	rows := len(window.Dates)
	keep := make([]bool, rows)
	kept := 0

	for i := 0; i < rows; i++ {
		keep[i] = true
		for _, asset := range assets {
			if math.IsNaN(window.Value(asset, i)) {
				keep[i] = false
				break
			}
		}
		if keep[i] {
			kept++
		}
	}

	if kept < MinObservations {
		return nil, 0, domain.DataQualityError(
			"insufficient aligned observations for covariance: %d of %d rows complete", kept, rows)
	}

	returns := make(map[string][]float64, len(assets))
	for _, asset := range assets {
		col := make([]float64, 0, kept)
		for i := 0; i < rows; i++ {
			if keep[i] {
				col = append(col, window.Value(asset, i))
			}
		}
		returns[asset] = col
	}

	return returns, kept, nil
}

// sampleCovariance computes the sample (N-1) covariance matrix.
func sampleCovariance(assets []string, returns map[string][]float64) [][]float64 {
	n := len(assets)
	covMatrix := make([][]float64, n)
	for i := range covMatrix {
		covMatrix[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov := stat.Covariance(returns[assets[i]], returns[assets[j]], nil)
			covMatrix[i][j] = cov
			if i != j {
				covMatrix[j][i] = cov // Symmetry
			}
		}
	}

	return covMatrix
}

// ledoitWolfShrinkage shrinks a sample covariance matrix towards a constant
// correlation target to improve conditioning with limited data.
//
// Reference: Ledoit, O., & Wolf, M. (2004). "A well-conditioned estimator
// for large-dimensional covariance matrices"
func ledoitWolfShrinkage(sampleCov [][]float64) [][]float64 {
	n := len(sampleCov)
	if n == 0 {
		return sampleCov
	}
	if n == 1 {
		return [][]float64{{sampleCov[0][0]}}
	}

	// Shrinkage target: average variance on the diagonal, average
	// covariance off it (constant correlation model).
	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sampleCov[i][i]
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sampleCov[i][j]
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := make([][]float64, n)
	for i := range target {
		target[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				target[i][j] = avgVar
			} else if avgVar > 0 {
				target[i][j] = avgCov
			}
		}
	}

	// Simplified shrinkage intensity: scale by how far the sample sits
	// from the target relative to the dispersion of its own entries.
	shrinkage := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff := sampleCov[i][j] - target[i][j]
				sumSqDiff += diff * diff
			}
		}
		meanSqDiff := sumSqDiff / float64(n*n)

		var sum, sumSq float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				sum += sampleCov[i][j]
				sumSq += sampleCov[i][j] * sampleCov[i][j]
			}
		}
		mean := sum / float64(n*n)
		varSample := sumSq/float64(n*n) - mean*mean

		if varSample > 0 && meanSqDiff > 0 {
			shrinkage = math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
		}
	}

	shrunk := make([][]float64, n)
	for i := range shrunk {
		shrunk[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			shrunk[i][j] = (1-shrinkage)*sampleCov[i][j] + shrinkage*target[i][j]
		}
	}

	return shrunk
}

// HighCorrelations extracts asset pairs whose absolute correlation meets the
// threshold.
func HighCorrelations(model *Model, threshold float64) []CorrelationPair {
	if model == nil || len(model.Cov) == 0 {
		return []CorrelationPair{}
	}

	pairs := make([]CorrelationPair, 0)
	for i := 0; i < len(model.Cov); i++ {
		for j := i + 1; j < len(model.Cov); j++ {
			vi, vj := model.Cov[i][i], model.Cov[j][j]
			if vi <= 0 || vj <= 0 {
				continue
			}
			correlation := model.Cov[i][j] / math.Sqrt(vi*vj)
			if math.Abs(correlation) >= threshold {
				pairs = append(pairs, CorrelationPair{
					Asset1:      model.Assets[i],
					Asset2:      model.Assets[j],
					Correlation: correlation,
				})
			}
		}
	}

	return pairs
}
