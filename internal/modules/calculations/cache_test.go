package calculations

import (
	"container/list"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/hindsight/internal/database"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()

	var db *database.DB
	if cfg.Persist {
		var err error
		db, err = database.New(database.Config{
			Path:    filepath.Join(t.TempDir(), "cache.db"),
			Profile: database.ProfileCache,
			Name:    "cache",
		})
		require.NoError(t, err)
		require.NoError(t, db.Migrate())
		t.Cleanup(func() { _ = db.Close() })
	}

	return New(cfg, db, zerolog.Nop())
}

func TestGetOrComputeSecondCallIsHit(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: true, MaxEntries: 16, MaxAge: time.Hour})

	computeCount := 0
	compute := func() ([]float64, error) {
		computeCount++
		return []float64{1.5, 2.5}, nil
	}

	first, err := GetOrCompute(cache, "vol|2020-01-01|2020-12-31|abc|cfg|panel", compute)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5}, first)
	assert.Equal(t, 1, computeCount)

	second, err := GetOrCompute(cache, "vol|2020-01-01|2020-12-31|abc|cfg|panel", compute)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, computeCount, "second call with same key must not recompute")
}

func TestDisabledCacheAlwaysComputes(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: false})

	computeCount := 0
	compute := func() (float64, error) {
		computeCount++
		return 42.0, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetOrCompute(cache, "same-key", compute)
		require.NoError(t, err)
		assert.Equal(t, 42.0, v)
	}
	assert.Equal(t, 3, computeCount)
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: true, MaxEntries: 2, MaxAge: time.Hour})

	counts := map[string]int{}
	computeFor := func(key string) func() (string, error) {
		return func() (string, error) {
			counts[key]++
			return "v-" + key, nil
		}
	}

	_, err := GetOrCompute(cache, "a", computeFor("a"))
	require.NoError(t, err)
	_, err = GetOrCompute(cache, "b", computeFor("b"))
	require.NoError(t, err)
	_, err = GetOrCompute(cache, "c", computeFor("c"))
	require.NoError(t, err)

	// "a" was evicted, "c" is still resident.
	_, err = GetOrCompute(cache, "a", computeFor("a"))
	require.NoError(t, err)
	_, err = GetOrCompute(cache, "c", computeFor("c"))
	require.NoError(t, err)

	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 1, counts["c"])
	assert.Equal(t, 2, cache.GetStats().Entries)
}

func TestStaleEntryIsMiss(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: true, MaxEntries: 16, MaxAge: 10 * time.Millisecond})

	computeCount := 0
	compute := func() (int, error) {
		computeCount++
		return 7, nil
	}

	_, err := GetOrCompute(cache, "k", compute)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, err = GetOrCompute(cache, "k", compute)
	require.NoError(t, err)
	assert.Equal(t, 2, computeCount)
}

func TestInvalidatePrefix(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: true, MaxEntries: 16, MaxAge: time.Hour})

	computeCount := 0
	compute := func() (int, error) {
		computeCount++
		return 1, nil
	}

	_, err := GetOrCompute(cache, "cov|2020|a", compute)
	require.NoError(t, err)
	_, err = GetOrCompute(cache, "cov|2021|b", compute)
	require.NoError(t, err)
	_, err = GetOrCompute(cache, "mom|2020|a", compute)
	require.NoError(t, err)
	require.Equal(t, 3, computeCount)

	cache.Invalidate("cov|")

	_, err = GetOrCompute(cache, "cov|2020|a", compute)
	require.NoError(t, err)
	_, err = GetOrCompute(cache, "mom|2020|a", compute)
	require.NoError(t, err)
	assert.Equal(t, 4, computeCount, "only the invalidated prefix recomputes")
}

func TestPersistentTierSurvivesMemoryClear(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: true, MaxEntries: 16, MaxAge: time.Hour, Persist: true})

	computeCount := 0
	compute := func() (string, error) {
		computeCount++
		return "persisted", nil
	}

	_, err := GetOrCompute(cache, "k", compute)
	require.NoError(t, err)

	// Drop the memory tier only; the sqlite tier should still serve the entry.
	cache.mu.Lock()
	cache.entries = make(map[string]*list.Element)
	cache.lru.Init()
	cache.mu.Unlock()

	v, err := GetOrCompute(cache, "k", compute)
	require.NoError(t, err)
	assert.Equal(t, "persisted", v)
	assert.Equal(t, 1, computeCount)
}

func TestConcurrentSameKeySingleStore(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: true, MaxEntries: 16, MaxAge: time.Hour})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			v, err := GetOrCompute(cache, "shared", func() ([]int, error) {
				return []int{1, 2, 3}, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, []int{1, 2, 3}, v)
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.Equal(t, 1, cache.GetStats().Entries)
}

func TestKeyLocksAreReleasedAfterUse(t *testing.T) {
	cache := newTestCache(t, Config{Enabled: true, MaxEntries: 16, MaxAge: time.Hour})

	// A sweep touches many distinct keys; none of them may leave a lock
	// entry behind once its computation finishes.
	for i := 0; i < 100; i++ {
		_, err := GetOrCompute(cache, fmt.Sprintf("cov|window-%d", i), func() (int, error) {
			return i, nil
		})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			_, err := GetOrCompute(cache, fmt.Sprintf("shared-%d", i%2), func() ([]int, error) {
				return []int{i}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	cache.locksMu.Lock()
	remaining := len(cache.locks)
	cache.locksMu.Unlock()
	assert.Equal(t, 0, remaining, "lock table must not retain entries for finished keys")
}

func TestKeyIsOrderIndependent(t *testing.T) {
	k1 := Key("cov", "2020-01-01", "2020-12-31", []string{"B", "A", "C"}, "cfg1", "panel1")
	k2 := Key("cov", "2020-01-01", "2020-12-31", []string{"C", "A", "B"}, "cfg1", "panel1")
	k3 := Key("cov", "2020-01-01", "2020-12-31", []string{"A", "B"}, "cfg1", "panel1")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
