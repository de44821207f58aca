// Package membership converts a ranked candidate list into the final target
// asset set, applying retention buffers, holding-period protection and
// turnover controls in one deterministic pass.
package membership

import (
	"fmt"
	"sort"

	"github.com/aristath/hindsight/internal/domain"
	"github.com/rs/zerolog"
)

// Config holds membership policy parameters.
type Config struct {
	// BufferRank extends the retention zone: a held asset ranked within
	// (selected count + BufferRank) stays in the portfolio even when it
	// drops out of the top selection.
	BufferRank int `json:"buffer_rank"`

	// MinHoldingPeriods blocks removal of assets held for fewer than this
	// many rebalances. Ineligibility always overrides the protection.
	MinHoldingPeriods int `json:"min_holding_periods"`

	// MaxNewAssets caps additions per rebalance; the worst-ranked would-be
	// additions are dropped first. 0 means no cap.
	MaxNewAssets int `json:"max_new_assets"`

	// MaxRemovedAssets caps voluntary removals per rebalance; the worst-ranked
	// holdings are removed first and the rest retained. Forced removals of
	// ineligible assets always stand and count against the cap. 0 means no cap.
	MaxRemovedAssets int `json:"max_removed_assets"`

	// MaxAssets caps the target set size. 0 means no cap.
	MaxAssets int `json:"max_assets"`

	// MaxTurnover caps (additions + removals) / max(1, |current ∪ target|).
	// 0 means no cap.
	MaxTurnover float64 `json:"max_turnover"`
}

// Validate rejects contradictory parameters.
func (c Config) Validate() error {
	if c.BufferRank < 0 {
		return &domain.ConfigError{Field: "buffer_rank", Reason: fmt.Sprintf("must not be negative, got %d", c.BufferRank)}
	}
	if c.MinHoldingPeriods < 0 {
		return &domain.ConfigError{Field: "min_holding_periods", Reason: fmt.Sprintf("must not be negative, got %d", c.MinHoldingPeriods)}
	}
	if c.MaxNewAssets < 0 {
		return &domain.ConfigError{Field: "max_new_assets", Reason: fmt.Sprintf("must not be negative, got %d", c.MaxNewAssets)}
	}
	if c.MaxRemovedAssets < 0 {
		return &domain.ConfigError{Field: "max_removed_assets", Reason: fmt.Sprintf("must not be negative, got %d", c.MaxRemovedAssets)}
	}
	if c.MaxAssets < 0 {
		return &domain.ConfigError{Field: "max_assets", Reason: fmt.Sprintf("must not be negative, got %d", c.MaxAssets)}
	}
	if c.MaxTurnover < 0 || c.MaxTurnover > 1 {
		return &domain.ConfigError{Field: "max_turnover", Reason: fmt.Sprintf("must be within [0, 1], got %.4f", c.MaxTurnover)}
	}
	return nil
}

// Policy applies membership rules.
type Policy struct {
	cfg Config
	log zerolog.Logger
}

// NewPolicy creates a membership policy. The config must already be validated.
func NewPolicy(cfg Config, log zerolog.Logger) *Policy {
	return &Policy{
		cfg: cfg,
		log: log.With().Str("component", "membership").Logger(),
	}
}

// Apply computes the target set for a rebalance. candidates carries the
// ranked selection, held the currently held assets, eligible the eligibility
// verdicts and holdingPeriods the per-asset count of rebalances survived.
// The same inputs always produce the same decision.
func (p *Policy) Apply(candidates *domain.PreselectionResult, held []string, eligible map[string]bool, holdingPeriods map[string]int) domain.MembershipDecision {
	decision := domain.MembershipDecision{
		AsOf:      candidates.AsOf,
		Additions: []string{},
		Removals:  []string{},
	}

	target := make(map[string]bool, len(candidates.Selected))
	for _, asset := range candidates.Selected {
		if eligible[asset] {
			target[asset] = true
		}
	}

	protected := make(map[string]bool)
	forced := make(map[string]bool)
	bufferThreshold := len(candidates.Selected) + p.cfg.BufferRank

	heldSorted := sortedCopy(held)
	for _, asset := range heldSorted {
		if target[asset] {
			continue
		}

		if !eligible[asset] {
			// Ineligibility wins over every protection.
			if holdingPeriods[asset] < p.cfg.MinHoldingPeriods {
				decision.ForcedRemovals = append(decision.ForcedRemovals, asset)
			}
			continue
		}

		if rank := candidates.Rank(asset); rank > 0 && rank <= bufferThreshold {
			target[asset] = true
			protected[asset] = true
			decision.BufferProtected = append(decision.BufferProtected, asset)
			continue
		}

		if holdingPeriods[asset] < p.cfg.MinHoldingPeriods {
			target[asset] = true
			protected[asset] = true
			decision.HoldingProtected = append(decision.HoldingProtected, asset)
		}
	}

	for _, asset := range heldSorted {
		if !eligible[asset] {
			forced[asset] = true
		}
	}

	p.applyNewCap(candidates, target, heldSet(heldSorted), &decision)
	p.applyRemovedCap(candidates, target, heldSorted, forced, &decision)
	p.applyCountCap(candidates, target, protected, heldSet(heldSorted), &decision)
	p.applyTurnoverCap(candidates, target, heldSorted, forced, &decision)

	decision.Target = sortedKeys(target)
	heldLookup := heldSet(heldSorted)
	for _, asset := range decision.Target {
		if !heldLookup[asset] {
			decision.Additions = append(decision.Additions, asset)
		}
	}
	for _, asset := range heldSorted {
		if !target[asset] {
			decision.Removals = append(decision.Removals, asset)
		}
	}

	p.log.Debug().
		Str("as_of", decision.AsOf).
		Int("target", len(decision.Target)).
		Int("additions", len(decision.Additions)).
		Int("removals", len(decision.Removals)).
		Msg("Membership decision")

	return decision
}

// applyNewCap truncates the addition list by rank: only the best-ranked
// MaxNewAssets non-held assets enter, the rest are logged as truncated.
func (p *Policy) applyNewCap(candidates *domain.PreselectionResult, target, held map[string]bool, decision *domain.MembershipDecision) {
	if p.cfg.MaxNewAssets <= 0 {
		return
	}

	var adds []string
	for asset := range target {
		if !held[asset] {
			adds = append(adds, asset)
		}
	}
	if len(adds) <= p.cfg.MaxNewAssets {
		return
	}

	// Worst rank first, ties broken by descending asset ID.
	sort.Slice(adds, func(i, j int) bool {
		ri, rj := rankOrWorst(candidates, adds[i]), rankOrWorst(candidates, adds[j])
		if ri != rj {
			return ri > rj
		}
		return adds[i] > adds[j]
	})

	for _, asset := range adds[:len(adds)-p.cfg.MaxNewAssets] {
		delete(target, asset)
		decision.TruncatedAdds = append(decision.TruncatedAdds, asset)
	}
}

// applyRemovedCap truncates the removal list by rank: the worst-ranked
// holdings are removed first and any excess would-be removals are retained.
// Forced removals of ineligible assets always stand; when they alone exceed
// the cap — min-holding protection cannot save an ineligible asset — the
// conflict is surfaced as a decision warning, not an error.
func (p *Policy) applyRemovedCap(candidates *domain.PreselectionResult, target map[string]bool, heldSorted []string, forced map[string]bool, decision *domain.MembershipDecision) {
	if p.cfg.MaxRemovedAssets <= 0 {
		return
	}

	forcedCount := 0
	var voluntary []string
	for _, asset := range heldSorted {
		if target[asset] {
			continue
		}
		if forced[asset] {
			forcedCount++
			continue
		}
		voluntary = append(voluntary, asset)
	}

	allowed := p.cfg.MaxRemovedAssets - forcedCount
	if allowed < 0 {
		allowed = 0
		decision.Warnings = append(decision.Warnings, fmt.Sprintf(
			"%d forced removals of ineligible assets exceed max_removed_assets %d", forcedCount, p.cfg.MaxRemovedAssets))
	}
	if len(voluntary) <= allowed {
		return
	}

	// Best rank first: these are the holdings least deserving of removal,
	// so they are the ones the cap retains.
	sort.SliceStable(voluntary, func(i, j int) bool {
		ri, rj := rankOrWorst(candidates, voluntary[i]), rankOrWorst(candidates, voluntary[j])
		if ri != rj {
			return ri < rj
		}
		return voluntary[i] < voluntary[j]
	})

	for _, asset := range voluntary[:len(voluntary)-allowed] {
		target[asset] = true
		decision.TruncatedRemovals = append(decision.TruncatedRemovals, asset)
	}
}

// applyCountCap shrinks an over-size target by removing its worst-ranked
// unprotected members. Protected members are never evicted; if protections
// alone exceed the cap the decision carries a warning instead.
func (p *Policy) applyCountCap(candidates *domain.PreselectionResult, target, protected, held map[string]bool, decision *domain.MembershipDecision) {
	if p.cfg.MaxAssets <= 0 || len(target) <= p.cfg.MaxAssets {
		return
	}

	removable := sortedKeys(target)
	// Worst rank first; unranked members are worst of all, ties broken by
	// descending asset ID so eviction mirrors the selection order.
	sort.SliceStable(removable, func(i, j int) bool {
		ri, rj := rankOrWorst(candidates, removable[i]), rankOrWorst(candidates, removable[j])
		if ri != rj {
			return ri > rj
		}
		return removable[i] > removable[j]
	})

	for _, asset := range removable {
		if len(target) <= p.cfg.MaxAssets {
			break
		}
		if protected[asset] {
			continue
		}
		delete(target, asset)
		if held[asset] {
			decision.Warnings = append(decision.Warnings, fmt.Sprintf(
				"max_assets cap evicted held asset %s", asset))
		} else {
			decision.TruncatedAdds = append(decision.TruncatedAdds, asset)
		}
	}

	if len(target) > p.cfg.MaxAssets {
		decision.Warnings = append(decision.Warnings, fmt.Sprintf(
			"target size %d exceeds max_assets %d after protections", len(target), p.cfg.MaxAssets))
	}
}

// applyTurnoverCap enforces the turnover bound by dropping the worst-ranked
// additions first, then reinstating the best-ranked voluntary removals.
// Forced removals of ineligible assets always stand; when they alone break
// the bound the decision carries a warning.
func (p *Policy) applyTurnoverCap(candidates *domain.PreselectionResult, target map[string]bool, heldSorted []string, forced map[string]bool, decision *domain.MembershipDecision) {
	if p.cfg.MaxTurnover <= 0 {
		return
	}

	held := heldSet(heldSorted)

	turnover := func() float64 {
		churn := 0
		base := len(target)
		for _, asset := range heldSorted {
			if !target[asset] {
				churn++ // removal
				base++
			}
		}
		for asset := range target {
			if !held[asset] {
				churn++ // addition
			}
		}
		if base < 1 {
			base = 1
		}
		return float64(churn) / float64(base)
	}

	// Additions, worst rank first.
	var adds []string
	for asset := range target {
		if !held[asset] {
			adds = append(adds, asset)
		}
	}
	sort.Slice(adds, func(i, j int) bool {
		ri, rj := rankOrWorst(candidates, adds[i]), rankOrWorst(candidates, adds[j])
		if ri != rj {
			return ri > rj
		}
		return adds[i] > adds[j]
	})

	for _, asset := range adds {
		if turnover() <= p.cfg.MaxTurnover {
			return
		}
		delete(target, asset)
		decision.TruncatedAdds = append(decision.TruncatedAdds, asset)
	}

	// Voluntary removals, best rank first (the least bad asset to keep).
	var removals []string
	for _, asset := range heldSorted {
		if !target[asset] && !forced[asset] {
			removals = append(removals, asset)
		}
	}
	sort.SliceStable(removals, func(i, j int) bool {
		ri, rj := rankOrWorst(candidates, removals[i]), rankOrWorst(candidates, removals[j])
		if ri != rj {
			return ri < rj
		}
		return removals[i] < removals[j]
	})

	for _, asset := range removals {
		if turnover() <= p.cfg.MaxTurnover {
			return
		}
		target[asset] = true
		decision.TruncatedRemovals = append(decision.TruncatedRemovals, asset)
	}

	if turnover() > p.cfg.MaxTurnover {
		decision.Warnings = append(decision.Warnings, fmt.Sprintf(
			"turnover %.4f exceeds max_turnover %.4f due to forced removals", turnover(), p.cfg.MaxTurnover))
	}
}

func rankOrWorst(candidates *domain.PreselectionResult, asset string) int {
	if rank := candidates.Rank(asset); rank > 0 {
		return rank
	}
	return int(^uint(0) >> 1) // unranked sorts after every ranked asset
}

func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}

func heldSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
