// Package calculations provides the statistics cache shared by preselection,
// risk and strategy computations.
package calculations

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aristath/hindsight/internal/database"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Config configures the statistics cache.
type Config struct {
	Enabled    bool
	MaxEntries int           // in-memory LRU bound
	MaxAge     time.Duration // entries older than this are misses
	Persist    bool          // mirror entries into the cache database
}

// Cache is a two-tier statistics cache: a bounded in-memory LRU in front of
// an optional sqlite tier (msgpack-encoded values with a TTL column).
//
// Entries are guarded per key: concurrent callers computing the same key
// serialize on that key only, so a torn write can never be observed. A
// duplicate computation after an Invalidate race is tolerated.
type Cache struct {
	cfg Config
	db  *database.DB // nil when persistence is disabled
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	locksMu sync.Mutex
	locks   map[string]*keyLock

	hits   uint64
	misses uint64
}

type memEntry struct {
	key      string
	data     []byte
	storedAt time.Time
}

// New creates a statistics cache. db may be nil; persistence is used only
// when cfg.Persist is set and a database is provided.
func New(cfg Config, db *database.DB, log zerolog.Logger) *Cache {
	if !cfg.Persist {
		db = nil
	}
	return &Cache{
		cfg:     cfg,
		db:      db,
		log:     log.With().Str("component", "statistics_cache").Logger(),
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		locks:   make(map[string]*keyLock),
	}
}

// GetOrCompute returns the cached value for key, computing and storing it on
// a miss. The second call with the same key is guaranteed to be a hit while
// the entry is fresh. A disabled cache short-circuits to compute().
func GetOrCompute[T any](c *Cache, key string, compute func() (T, error)) (T, error) {
	var zero T

	if !c.cfg.Enabled {
		return compute()
	}

	unlock := c.lockKey(key)
	defer unlock()

	if data, ok := c.lookup(key); ok {
		var out T
		if err := msgpack.Unmarshal(data, &out); err == nil {
			return out, nil
		}
		// Undecodable entry (schema drift): drop it and recompute.
		c.log.Warn().Str("key", key).Msg("Failed to decode cached entry, recomputing")
		c.remove(key)
	}

	value, err := compute()
	if err != nil {
		return zero, err
	}

	data, err := msgpack.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	c.store(key, data)

	return value, nil
}

// lookup checks the memory tier then the sqlite tier. A sqlite hit is
// promoted into memory.
func (c *Cache) lookup(key string) ([]byte, bool) {
	now := time.Now()

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memEntry)
		if c.cfg.MaxAge <= 0 || now.Sub(entry.storedAt) <= c.cfg.MaxAge {
			c.lru.MoveToFront(elem)
			c.hits++
			c.mu.Unlock()
			return entry.data, true
		}
		// Stale entry is a miss.
		c.lru.Remove(elem)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.db != nil {
		var data []byte
		var expiresAt int64
		err := c.db.QueryRow(
			`SELECT value, expires_at FROM statistics_cache WHERE key = ?`, key,
		).Scan(&data, &expiresAt)
		if err == nil && expiresAt > now.Unix() {
			c.storeMemory(key, data, now)
			c.mu.Lock()
			c.hits++
			c.mu.Unlock()
			return data, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return nil, false
}

func (c *Cache) store(key string, data []byte) {
	now := time.Now()
	c.storeMemory(key, data, now)

	if c.db != nil {
		ttl := c.cfg.MaxAge
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		_, err := c.db.Exec(`
			INSERT OR REPLACE INTO statistics_cache (key, value, created_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, key, data, now.Unix(), now.Add(ttl).Unix())
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Failed to persist cache entry")
		}
	}
}

func (c *Cache) storeMemory(key string, data []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memEntry)
		entry.data = data
		entry.storedAt = now
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&memEntry{key: key, data: data, storedAt: now})
	c.entries[key] = elem

	for c.cfg.MaxEntries > 0 && c.lru.Len() > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*memEntry).key)
	}
}

func (c *Cache) remove(key string) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.lru.Remove(elem)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.db != nil {
		if _, err := c.db.Exec(`DELETE FROM statistics_cache WHERE key = ?`, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Failed to delete cache entry")
		}
	}
}

// Invalidate removes every entry whose key starts with prefix.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(elem)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	if c.db != nil {
		if _, err := c.db.Exec(`DELETE FROM statistics_cache WHERE key LIKE ? || '%'`, prefix); err != nil {
			c.log.Warn().Err(err).Str("prefix", prefix).Msg("Failed to invalidate persisted entries")
		}
	}
}

// Clear removes all entries from both tiers.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.mu.Unlock()

	if c.db != nil {
		if _, err := c.db.Exec(`DELETE FROM statistics_cache`); err != nil {
			c.log.Warn().Err(err).Msg("Failed to clear persisted cache")
		}
	}
}

// PruneExpired removes expired rows from the sqlite tier. Returns the number
// of rows removed. Intended for the nightly maintenance job.
func (c *Cache) PruneExpired() (int64, error) {
	if c.db == nil {
		return 0, nil
	}

	res, err := c.db.Exec(`DELETE FROM statistics_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired cache entries: %w", err)
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		c.log.Info().Int64("removed", removed).Msg("Pruned expired cache entries")
	}
	return removed, nil
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// GetStats returns current in-memory cache statistics.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: c.lru.Len(),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// keyLock is a reference-counted per-key mutex. The count covers holders and
// waiters, so an entry can be dropped the moment nobody references it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey acquires the per-key mutex and returns its unlock function. Lock
// entries live only while held or contended, keeping the lock table bounded
// by concurrency rather than by the number of distinct keys ever seen.
func (c *Cache) lockKey(key string) func() {
	c.locksMu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &keyLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		c.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, key)
		}
		c.locksMu.Unlock()
	}
}
