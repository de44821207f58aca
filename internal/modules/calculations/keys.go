package calculations

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// HashAssets creates a deterministic hash from a list of asset identifiers.
// Assets are sorted to ensure consistent hashing regardless of input order.
func HashAssets(assets []string) string {
	sorted := make([]string, len(assets))
	copy(sorted, assets)
	sort.Strings(sorted)
	combined := strings.Join(sorted, ",")
	h := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(h[:16])
}

// Key builds a statistics cache key. A key identifies a statistic by its
// category, window, the asset set it covers, the configuration that shaped
// the computation, and the content of the underlying panel. Any revision of
// the panel or config re-keys the entry rather than returning stale data.
func Key(category, start, end string, assets []string, configFingerprint, panelFingerprint string) string {
	return strings.Join([]string{
		category,
		start,
		end,
		HashAssets(assets),
		configFingerprint,
		panelFingerprint,
	}, "|")
}
