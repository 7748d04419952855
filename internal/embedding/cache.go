package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes vectors per (model, text).
type CachedProvider struct {
	inner  Provider
	cache  *ristretto.Cache
	prefix string
}

// NewCachedProvider wraps inner with a ristretto cache bounded to maxBytes.
func NewCachedProvider(inner Provider, model string, maxBytes int64) (*CachedProvider, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache, prefix: model + "\x00"}, nil
}

func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, t := range texts {
		if v, ok := c.cache.Get(c.prefix + t); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(vectors), len(missing))
	}
	for j, v := range vectors {
		out[slots[j]] = v
		c.cache.Set(c.prefix+missing[j], v, int64(len(v)*4))
	}
	return out, nil
}

func (c *CachedProvider) Dimension() int { return c.inner.Dimension() }

// Wait blocks until pending cache writes are visible.
func (c *CachedProvider) Wait() { c.cache.Wait() }

func (c *CachedProvider) Close() { c.cache.Close() }
