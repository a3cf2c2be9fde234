package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// flightKey is the singleflight key for the one credential a Cache manages.
const flightKey = "credential"

// CacheOption configures a [Cache] during construction.
type CacheOption func(*Cache)

// WithClock overrides the wall clock. Used in tests to control expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// Cache serves credentials from memory while they have more than
// [RefreshBuffer] of validity left, and otherwise mints a replacement
// through the underlying [Source]. Concurrent callers needing a mint share
// a single in-flight request; a mint failure is propagated to every waiter
// and is never retried at this layer.
//
// All exported methods are safe for concurrent use.
type Cache struct {
	source Source
	now    func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cached *Credential
}

// NewCache creates a Cache minting through source.
func NewCache(source Source, opts ...CacheOption) *Cache {
	c := &Cache{
		source: source,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Credential returns a credential for req, minting one if the cache is
// empty, close to expiry, or force is set. The mint inherits the context of
// whichever caller started it; other callers joining the same flight wait
// for that result.
func (c *Cache) Credential(ctx context.Context, req Request, force bool) (Credential, error) {
	if !force {
		c.mu.Lock()
		if c.cached != nil && c.cached.Remaining(c.now()) > RefreshBuffer {
			cred := *c.cached
			c.mu.Unlock()
			return cred, nil
		}
		c.mu.Unlock()
	}

	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		cred, err := c.source.Mint(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("token: mint: %w", err)
		}
		c.mu.Lock()
		c.cached = &cred
		c.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Clear invalidates the cached credential and detaches any pending flight so
// the next call mints fresh. Used after consuming a single-use credential
// and on pause/resume transitions, which always require a new credential.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	c.group.Forget(flightKey)
}
