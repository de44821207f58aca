package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
)

// Panel is a columnar (dates x assets) matrix of observations. Dates are
// sorted ascending in YYYY-MM-DD form and every asset column has exactly
// len(Dates) entries, with math.NaN() marking missing cells. The same shape
// carries both price panels and returns panels.
type Panel struct {
	Dates   []string
	Columns map[string][]float64

	fingerprint string
}

// NewPanel creates an empty panel for the given sorted date axis.
func NewPanel(dates []string) *Panel {
	return &Panel{
		Dates:   dates,
		Columns: make(map[string][]float64),
	}
}

// Assets returns the panel's asset identifiers in ascending order.
func (p *Panel) Assets() []string {
	assets := make([]string, 0, len(p.Columns))
	for asset := range p.Columns {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Column returns the series for an asset, or nil if the asset is not present.
func (p *Panel) Column(asset string) []float64 {
	return p.Columns[asset]
}

// Value returns the cell for (asset, date index). Missing assets and
// out-of-range indices read as NaN.
func (p *Panel) Value(asset string, idx int) float64 {
	col, ok := p.Columns[asset]
	if !ok || idx < 0 || idx >= len(col) {
		return math.NaN()
	}
	return col[idx]
}

// DateIndex returns the position of a date on the axis, or -1 if absent.
func (p *Panel) DateIndex(date string) int {
	i := sort.SearchStrings(p.Dates, date)
	if i < len(p.Dates) && p.Dates[i] == date {
		return i
	}
	return -1
}

// IndexAtOrBefore returns the index of the latest date <= the given date,
// or -1 if every date on the axis is later.
func (p *Panel) IndexAtOrBefore(date string) int {
	i := sort.SearchStrings(p.Dates, date)
	if i < len(p.Dates) && p.Dates[i] == date {
		return i
	}
	return i - 1
}

// Window slices the panel to the half-open index range [from, to). Columns
// share backing arrays with the parent, so windows are cheap; callers must
// not mutate cells through a window.
func (p *Panel) Window(from, to int) *Panel {
	if from < 0 {
		from = 0
	}
	if to > len(p.Dates) {
		to = len(p.Dates)
	}
	if from >= to {
		return NewPanel(nil)
	}

	w := NewPanel(p.Dates[from:to])
	for asset, col := range p.Columns {
		w.Columns[asset] = col[from:to]
	}
	return w
}

// TrailingWindow slices the last n rows ending at (and including) endIdx.
// Fewer than n rows may be returned near the start of the axis.
func (p *Panel) TrailingWindow(endIdx, n int) *Panel {
	if endIdx >= len(p.Dates) {
		endIdx = len(p.Dates) - 1
	}
	return p.Window(endIdx-n+1, endIdx+1)
}

// ValidCount returns the number of non-NaN observations in an asset's column.
func (p *Panel) ValidCount(asset string) int {
	count := 0
	for _, v := range p.Columns[asset] {
		if !math.IsNaN(v) {
			count++
		}
	}
	return count
}

// Fingerprint returns a content hash over the panel's dates and values,
// stable across insertion order. Used to key cached derived statistics so a
// revised panel never collides with stale entries. The hash is memoized;
// panels must be treated as immutable once fingerprinted.
func (p *Panel) Fingerprint() string {
	if p.fingerprint != "" {
		return p.fingerprint
	}

	h := sha256.New()
	for _, date := range p.Dates {
		h.Write([]byte(date))
	}
	var buf [8]byte
	for _, asset := range p.Assets() {
		h.Write([]byte(asset))
		for _, v := range p.Columns[asset] {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}

	p.fingerprint = hex.EncodeToString(h.Sum(nil))
	return p.fingerprint
}

// Returns derives a simple-returns panel from a price panel. Each column has
// one fewer row than the source; a return is NaN whenever either endpoint is
// missing or the base price is not positive.
func (p *Panel) Returns() *Panel {
	if len(p.Dates) < 2 {
		return NewPanel(nil)
	}

	out := NewPanel(p.Dates[1:])
	for asset, prices := range p.Columns {
		rets := make([]float64, len(prices)-1)
		for i := 1; i < len(prices); i++ {
			prev, cur := prices[i-1], prices[i]
			if math.IsNaN(prev) || math.IsNaN(cur) || prev <= 0 {
				rets[i-1] = math.NaN()
				continue
			}
			rets[i-1] = (cur - prev) / prev
		}
		out.Columns[asset] = rets
	}
	return out
}
