// core/quotecache.go – TTL- and size-bounded cache of per-address quotes
// (§5 "Quote cache: TTL-bounded, size-bounded; read-many, write-rare;
// eviction on expiry").
package core

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultQuoteCacheSize = 4096
	defaultQuoteCacheTTL  = 2 * time.Minute
)

// QuoteCache memoizes RequestQuotes results per address so repeated puts of
// related items (e.g. the chunks of one upload) don't re-solicit holders
// that already quoted within the cache's TTL.
type QuoteCache struct {
	cache *expirable.LRU[Address, []Quote]
}

// NewQuoteCache builds a quote cache. size <= 0 and ttl <= 0 fall back to
// the package defaults.
func NewQuoteCache(size int, ttl time.Duration) *QuoteCache {
	if size <= 0 {
		size = defaultQuoteCacheSize
	}
	if ttl <= 0 {
		ttl = defaultQuoteCacheTTL
	}
	return &QuoteCache{cache: expirable.NewLRU[Address, []Quote](size, nil, ttl)}
}

// Get returns cached quotes for addr, if present and unexpired.
func (c *QuoteCache) Get(addr Address) ([]Quote, bool) {
	return c.cache.Get(addr)
}

// Put stores quotes for addr, overwriting any prior entry and resetting its TTL.
func (c *QuoteCache) Put(addr Address, quotes []Quote) {
	c.cache.Add(addr, quotes)
}

// Len reports the number of live entries.
func (c *QuoteCache) Len() int { return c.cache.Len() }

// QuotesForAddress returns cached quotes if fresh, otherwise requests a new
// round via RequestQuotes and populates the cache.
func QuotesForAddress(ctx context.Context, overlay Overlay, cache *QuoteCache, addr Address, req QuoteRequest) ([]Quote, error) {
	if cache != nil {
		if q, ok := cache.Get(addr); ok {
			return q, nil
		}
	}
	quotes, err := RequestQuotes(ctx, overlay, addr, req)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Put(addr, quotes)
	}
	return quotes, nil
}
