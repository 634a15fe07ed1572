// Package ristretto implements the cache port with an in-process ristretto
// cache. It holds queue previews keyed by conversation revision.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is an in-process L1 cache bounded by total value size.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxCostBytes bytes of values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes < 1<<10 {
		maxCostBytes = 1 << 10
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Previews are small; count ~10 keys per expected entry of ~256 bytes.
		NumCounters: maxCostBytes / 256 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

// NewMB is New with the limit given in megabytes.
func NewMB(mb int64) (*Cache, error) {
	return New(mb << 20)
}

// Get returns a cached value.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value with ttl and waits until it is visible to Get. A zero
// ttl means no expiry.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

// Delete removes a value.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// HitRatio reports the fraction of Gets that were served from the cache.
func (c *Cache) HitRatio() float64 {
	return c.c.Metrics.Ratio()
}

// Close releases the cache's goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
