// Package cache provides the short-lived scan result cache used to answer
// status queries without touching the durable store.
package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/compliscan/compliscan/internal/domain/scanning"
)

const (
	defaultMaxEntries = 1024
	defaultTTL        = 30 * time.Minute

	keyPrefix = "scan:task:"
)

// Config configures the result cache.
type Config struct {
	// MaxEntries is the maximum number of snapshots held at once.
	MaxEntries int
	// TTL is how long a snapshot remains valid after its last write.
	TTL time.Duration
}

// entry holds a cached snapshot along with the timestamp it was stored.
type entry struct {
	snapshot scanning.TaskSnapshot
	storedAt time.Time
}

// ResultCache is an in-process LRU of task snapshots with per-entry TTL.
// Entries refresh on every Put, so an active task never ages out while it
// still reports progress. Expired entries are evicted lazily on read.
type ResultCache struct {
	cache *lru.Cache[string, entry]
	ttl   time.Duration
	now   func() time.Time
}

// Ensure ResultCache implements scanning.ResultCache at compile time.
var _ scanning.ResultCache = (*ResultCache)(nil)

// NewResultCache creates a result cache. Zero config values fall back to
// defaults.
func NewResultCache(cfg Config) (*ResultCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	c, err := lru.New[string, entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating result cache: %w", err)
	}
	return &ResultCache{cache: c, ttl: cfg.TTL, now: time.Now}, nil
}

func cacheKey(id uuid.UUID) string { return keyPrefix + id.String() }

// Put stores the snapshot, resetting its TTL.
func (c *ResultCache) Put(snapshot scanning.TaskSnapshot) {
	c.cache.Add(cacheKey(snapshot.TaskID), entry{snapshot: snapshot, storedAt: c.now()})
}

// Get returns the snapshot for the given task if present and fresh.
func (c *ResultCache) Get(taskID uuid.UUID) (scanning.TaskSnapshot, bool) {
	key := cacheKey(taskID)
	e, ok := c.cache.Get(key)
	if !ok {
		return scanning.TaskSnapshot{}, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		// Expired; evict so the LRU bookkeeping stays clean.
		c.cache.Remove(key)
		return scanning.TaskSnapshot{}, false
	}
	return e.snapshot, true
}

// Delete removes the snapshot for the given task, if any.
func (c *ResultCache) Delete(taskID uuid.UUID) {
	c.cache.Remove(cacheKey(taskID))
}

// TaskIDs returns the IDs of all live entries. Expired entries are skipped
// and evicted along the way. Reconcilers use this to enumerate what the cache
// claims is in flight.
func (c *ResultCache) TaskIDs() []uuid.UUID {
	keys := c.cache.Keys()
	out := make([]uuid.UUID, 0, len(keys))
	for _, key := range keys {
		e, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		if c.now().Sub(e.storedAt) >= c.ttl {
			c.cache.Remove(key)
			continue
		}
		raw, found := strings.CutPrefix(key, keyPrefix)
		if !found {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Len returns the number of entries currently held, expired or not.
func (c *ResultCache) Len() int { return c.cache.Len() }
