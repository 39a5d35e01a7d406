// Package cache implements the Arrival Cache of spec.md §4.2: a
// Key -> CacheEntry{payload, fetchedAt, expiresAt} mapping with TTL
// semantics, an "expire now" operation, and the scanEntries iterator. It is
// built on the store.Store side-store contract so it works identically
// whether backed by the in-memory map or Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Commute-Live/Server-sub001/internal/key"
	"github.com/Commute-Live/Server-sub001/internal/store"
)

// keyPrefix namespaces arrival cache entries in the shared side-store, per
// spec.md §6 ("arrivals-cache:").
const keyPrefix = "arrivals-cache:"

// placeholderTTL is the residual TTL markExpired installs for an absent Key,
// per spec.md §4.2 and the resolved Open Question in DESIGN.md.
const placeholderTTL = 5 * time.Second

// minTTL is the floor applied to Set's ttlSeconds, per spec.md §4.2.
const minTTL = 1 * time.Second

// Entry mirrors the CacheEntry of spec.md §3. Payload is left as opaque
// JSON bytes; the composer parses it defensively (Design Notes §9).
type Entry struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	FetchedAt int64           `json:"fetchedAt"` // epoch ms
	ExpiresAt int64           `json:"expiresAt"` // epoch ms
}

// Expired reports whether the entry's TTL has lapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt <= epochMs(now)
}

// Cache is the Arrival Cache.
type Cache struct {
	store store.Store
}

// New wraps a store.Store as an Arrival Cache.
func New(s store.Store) *Cache {
	return &Cache{store: s}
}

// Get returns the cache entry for k, if present. It does not itself filter
// expired entries out — callers that care about freshness (the scheduler)
// check Entry.Expired themselves, per spec.md §4.2.
func (c *Cache) Get(ctx context.Context, k key.Key) (Entry, bool, error) {
	raw, ok, err := c.store.GetBytes(ctx, namespaced(k))
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: get %s: %w", k, err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode %s: %w", k, err)
	}
	return e, true, nil
}

// Set writes a fresh entry. ttlSeconds is floored to minTTL, per spec.md
// §4.2 ("TTL >= 1 second after flooring").
func (c *Cache) Set(ctx context.Context, k key.Key, payload json.RawMessage, ttlSeconds int, now time.Time) error {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl < minTTL {
		ttl = minTTL
	}
	e := Entry{
		Payload:   payload,
		FetchedAt: epochMs(now),
		ExpiresAt: epochMs(now) + ttl.Milliseconds(),
	}
	return c.write(ctx, k, e, ttl)
}

// MarkExpired forces k's entry to read as expired immediately. If k is
// absent, a null-payload placeholder is inserted with a short residual TTL
// so a subsequent Get sees "expired entry exists" rather than absence
// (spec.md §4.2, DESIGN.md Open Question #1).
func (c *Cache) MarkExpired(ctx context.Context, k key.Key, now time.Time) error {
	existing, ok, err := c.Get(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		placeholder := Entry{
			Payload:   nil,
			FetchedAt: epochMs(now),
			ExpiresAt: epochMs(now),
		}
		return c.write(ctx, k, placeholder, placeholderTTL)
	}

	existing.ExpiresAt = epochMs(now)
	// store.Store does not expose an entry's residual TTL, so the expired
	// marker is rewritten with placeholderTTL, which keeps it retrievable
	// until the scheduler's next tick.
	return c.write(ctx, k, existing, placeholderTTL)
}

// ScanEntries returns every (Key, Entry) pair currently in the cache.
func (c *Cache) ScanEntries(ctx context.Context) (map[key.Key]Entry, error) {
	keys, err := c.store.Scan(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("cache: scan: %w", err)
	}
	out := make(map[key.Key]Entry, len(keys))
	for _, raw := range keys {
		k := key.Key(raw[len(keyPrefix):])
		e, ok, err := c.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = e
		}
	}
	return out, nil
}

func (c *Cache) write(ctx context.Context, k key.Key, e Entry, ttl time.Duration) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", k, err)
	}
	if err := c.store.Set(ctx, namespaced(k), b, ttl); err != nil {
		return fmt.Errorf("cache: set %s: %w", k, err)
	}
	return nil
}

func namespaced(k key.Key) string {
	return keyPrefix + string(k)
}

func epochMs(t time.Time) int64 {
	return t.UnixMilli()
}
