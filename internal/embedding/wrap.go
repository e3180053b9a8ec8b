package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrTimeout is returned when an embedding call exceeds its deadline.
var ErrTimeout = errors.New("embedding timed out")

// Cached memoizes vectors by exact text so repeated inputs yield identical
// vectors within a process even when the provider is non-deterministic.
type Cached struct {
	inner Embedder
	cache *lru.Cache[string, Vector]
}

// NewCached wraps e with an LRU cache of the given size.
func NewCached(e Embedder, size int) (*Cached, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, Vector](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: e, cache: c}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) (Vector, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, v)
	return v, nil
}

// EmbedBatch only sends cache misses to the wrapped embedder.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := EmbedBatch(ctx, c.inner, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		out[missingIdx[j]] = v
		c.cache.Add(missing[j], v)
	}
	return out, nil
}

func (c *Cached) Dims() int { return c.inner.Dims() }

// Len returns the number of cached vectors.
func (c *Cached) Len() int { return c.cache.Len() }

// Timeout bounds every call to the wrapped embedder.
type Timeout struct {
	inner   Embedder
	timeout time.Duration
}

// WithTimeout wraps e so each call is cancelled after d; d <= 0 disables it.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	if d <= 0 {
		return e
	}
	return &Timeout{inner: e, timeout: d}
}

func (t *Timeout) Embed(ctx context.Context, text string) (Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := t.inner.Embed(ctx, text)
	return v, t.classify(ctx, err)
}

func (t *Timeout) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := EmbedBatch(ctx, t.inner, texts)
	return v, t.classify(ctx, err)
}

func (t *Timeout) Dims() int { return t.inner.Dims() }

func (t *Timeout) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, t.timeout, err)
	}
	return err
}
