package main

import (
	"context"
	"time"

	"github.com/apibillme/cache"
	"github.com/rs/zerolog"
)

type cacheEntry struct {
	payload   EncodedImage
	expiresAt time.Time
}

// AvatarCache maps avatar URLs to fetched payloads for a fixed lifetime.
// Entries are immutable once stored; a store replaces the whole entry, so a
// concurrent lookup sees either the old or the new payload. Stale entries
// are treated as misses and overwritten by the next successful fetch.
// Freshness is decided by expiresAt alone; the LRU only bounds the number
// of entries kept.
type AvatarCache struct {
	entries cache.Cache
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
	log     zerolog.Logger
}

func NewAvatarCache(size int, ttl time.Duration, metrics *Metrics) *AvatarCache {
	if size <= 0 {
		size = 10000
	}
	return &AvatarCache{
		entries: cache.New(size),
		ttl:     ttl,
		now:     time.Now,
		metrics: metrics,
		log:     componentLogger("cache"),
	}
}

// Lookup returns the payload for url if it is present and not yet expired.
func (c *AvatarCache) Lookup(url string) (EncodedImage, bool) {
	v, ok := c.entries.Get(url)
	if !ok {
		c.metrics.Inc(context.Background(), "avatar_cache_misses_total", nil, 1)
		return EncodedImage{}, false
	}
	ent, ok := v.(*cacheEntry)
	if !ok || !c.now().Before(ent.expiresAt) {
		c.log.Debug().Str("url", url).Msg("stale entry")
		c.metrics.Inc(context.Background(), "avatar_cache_misses_total", nil, 1)
		return EncodedImage{}, false
	}
	c.metrics.Inc(context.Background(), "avatar_cache_hits_total", nil, 1)
	return ent.payload, true
}

// Store inserts or replaces the entry for url, expiring ttl from now.
// A non-positive ttl uses the cache default.
func (c *AvatarCache) Store(url string, payload EncodedImage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	ent := &cacheEntry{payload: payload, expiresAt: c.now().Add(ttl)}
	c.entries.Set(url, ent)
	c.log.Debug().Str("url", url).Int("bytes", len(payload.Data)).Dur("ttl", ttl).Msg("stored")
}

func (c *AvatarCache) TTL() time.Duration {
	return c.ttl
}
