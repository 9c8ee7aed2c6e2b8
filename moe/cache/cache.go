package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/polymind/polymind/moe"
)

// Cache is the response cache of the orchestrator. It also owns the
// single-flight build slots that guarantee at most one concurrent pipeline
// build per fingerprint. Safe for concurrent use.
type Cache struct {
	cfg moe.Config
	lru *LRU[string, *moe.FinalResponse]

	slotMu sync.Mutex
	slots  map[string]chan struct{}

	statsMu sync.Mutex
	hits    int64
	misses  int64

	store *persistStore // nil unless persistence is configured
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// New creates a cache per the config. When cfg.CachePersistPath is set and
// the cache is enabled, entries write through to sqlite and non-expired
// rows are loaded back on startup; memory stays authoritative at runtime.
func New(cfg moe.Config) (*Cache, error) {
	c := &Cache{
		cfg:   cfg,
		lru:   NewLRU[string, *moe.FinalResponse](cfg.CacheMaxEntries),
		slots: make(map[string]chan struct{}),
	}
	if !cfg.CacheEnabled || cfg.CachePersistPath == "" {
		return c, nil
	}

	store, err := openPersistStore(cfg.CachePersistPath)
	if err != nil {
		return nil, fmt.Errorf("cache: open persistence store: %w", err)
	}
	c.store = store

	n, err := store.loadInto(c.lru)
	if err != nil {
		slog.Warn("cache: failed to warm from persistence store", "error", err)
	} else if n > 0 {
		slog.Info("cache: warmed from persistence store", "entries", n)
	}
	return c, nil
}

// Close releases the persistence store, if any.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.close()
}

// Fingerprint computes the stable cache key for a query: a sha256 over the
// normalized text plus the configured context subset in key order.
func (c *Cache) Fingerprint(q moe.Query) string {
	return Fingerprint(q, c.cfg.CacheContextKeys)
}

// Fingerprint is the package-level fingerprint used by the orchestrator.
// Only stability matters: identical normalized text and context subset
// always produce the same key.
func Fingerprint(q moe.Query, contextKeys []string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(q.Text)))
	keys := append([]string(nil), contextKeys...)
	sort.Strings(keys)
	for _, k := range keys {
		if v := q.ContextString(k); v != "" {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize lower-cases the text, collapses whitespace runs to single
// spaces, and strips trailing punctuation. Normalize is idempotent, so
// Fingerprint(normalize(text)) == Fingerprint(text).
func Normalize(text string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimRightFunc(collapsed, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Get returns the cached response under fp if it is still live.
func (c *Cache) Get(fp string) (*moe.FinalResponse, bool) {
	if !c.cfg.CacheEnabled {
		return nil, false
	}
	resp, ok := c.lru.Get(fp)
	c.statsMu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
	return resp, ok
}

// Put stores a response under fp with the configured TTL. The stored
// response is shared; callers must not mutate it afterwards.
func (c *Cache) Put(fp string, resp *moe.FinalResponse) {
	if !c.cfg.CacheEnabled || resp == nil {
		return
	}
	c.lru.Set(fp, resp, c.cfg.CacheTTL)
	if c.store != nil {
		if err := c.store.put(fp, resp, c.cfg.CacheTTL); err != nil {
			slog.Warn("cache: write-through failed", "error", err)
		}
	}
}

// AcquireBuildSlot takes the single-flight build slot for fp, blocking
// while another request holds it. The returned release function must be
// called exactly once. Waiters woken by a release should re-check Get
// before building. Cancellation of one waiter affects neither the build
// nor the other waiters. With the cache disabled, slots are no-ops.
func (c *Cache) AcquireBuildSlot(ctx context.Context, fp string) (func(), error) {
	if !c.cfg.CacheEnabled {
		return func() {}, nil
	}
	for {
		c.slotMu.Lock()
		done, inFlight := c.slots[fp]
		if !inFlight {
			done = make(chan struct{})
			c.slots[fp] = done
			c.slotMu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					c.slotMu.Lock()
					delete(c.slots, fp)
					c.slotMu.Unlock()
					close(done)
				})
			}, nil
		}
		c.slotMu.Unlock()

		select {
		case <-done:
			// The build finished; loop to re-take or find the fresh result.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: c.lru.Len()}
}
