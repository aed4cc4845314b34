// Package quotes provides a TTL+LRU cache in front of the broker's
// batched quote endpoint. Keys are exchange-qualified symbols
// ("NFO:NIFTY24DEC24000CE").
package quotes

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha/tradeloop/internal/broker"
	"github.com/rsinha/tradeloop/internal/models"
)

type entry struct {
	key     string
	quote   models.Quote
	expires time.Time
}

// Cache is a thread-safe quote cache. Readers take the read lock; the
// exclusive lock is held only for the update window after a fetch.
type Cache struct {
	mu       sync.RWMutex
	broker   broker.Broker
	ttl      time.Duration
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	logger   zerolog.Logger

	now func() time.Time // test hook
}

// New creates a cache over the given broker.
func New(b broker.Broker, ttl time.Duration, capacity int, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if capacity <= 0 {
		capacity = 2048
	}
	return &Cache{
		broker:   b,
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		logger:   logger.With().Str("component", "quote_cache").Logger(),
		now:      time.Now,
	}
}

// SetTTL adjusts the entry lifetime; the market clock shortens it
// while the session is open and relaxes it outside hours.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Get returns the cached quote for an exchange-qualified symbol, or
// false on a miss or an expired entry.
func (c *Cache) Get(qualified string) (models.Quote, bool) {
	c.mu.RLock()
	el, ok := c.items[qualified]
	if !ok {
		c.mu.RUnlock()
		return models.Quote{}, false
	}
	ent := el.Value.(*entry)
	if c.now().After(ent.expires) {
		c.mu.RUnlock()
		return models.Quote{}, false
	}
	quote := ent.quote
	c.mu.RUnlock()

	c.mu.Lock()
	if el, ok := c.items[qualified]; ok {
		c.order.MoveToFront(el)
	}
	c.mu.Unlock()
	return quote, true
}

// MGet partitions the requested symbols into hits and misses, fetches
// all misses with a single broker call, repopulates the cache and
// returns the union. Symbols the broker did not return are absent from
// the result.
func (c *Cache) MGet(ctx context.Context, qualified []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(qualified))
	var misses []string
	for _, q := range qualified {
		if quote, ok := c.Get(q); ok {
			out[q] = quote
		} else {
			misses = append(misses, q)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.broker.Quotes(ctx, misses)
	if err != nil {
		// Partial results are still useful to the monitor pass.
		if len(out) > 0 {
			c.logger.Warn().Err(err).Int("hits", len(out)).Int("misses", len(misses)).
				Msg("quote fetch failed, returning cache hits only")
			return out, nil
		}
		return nil, err
	}

	c.mu.Lock()
	for key, quote := range fetched {
		c.putLocked(key, quote)
		out[key] = quote
	}
	c.mu.Unlock()
	return out, nil
}

// Put inserts a quote directly, bypassing the broker. The streaming
// tick feed is the writer here.
func (c *Cache) Put(quote models.Quote) {
	key := string(quote.Exchange) + ":" + quote.Symbol
	c.mu.Lock()
	c.putLocked(key, quote)
	c.mu.Unlock()
}

func (c *Cache) putLocked(key string, quote models.Quote) {
	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.quote = quote
		ent.expires = expires
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry{key: key, quote: quote, expires: expires})
	c.items[key] = el
	for len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
