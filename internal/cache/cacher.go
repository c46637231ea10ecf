package cache

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/tuannm99/novads/internal/extract"
)

// Cacher is the cache of one data set: its keyer and expiration policy over
// the shared Store.
type Cacher struct {
	name   string
	store  *Store
	keyer  *Keyer
	policy Policy
	group  singleflight.Group
	log    *slog.Logger
}

func NewCacher(name string, store *Store, keyer *Keyer, policy Policy) *Cacher {
	return &Cacher{
		name:   name,
		store:  store,
		keyer:  keyer,
		policy: policy,
		log:    slog.Default().With("component", "cache", "dataset", name),
	}
}

func (c *Cacher) Name() string   { return c.name }
func (c *Cacher) Policy() Policy { return c.policy }
func (c *Cacher) Keyer() *Keyer   { return c.keyer }

// Lookup returns the artifact cached for the request at tier t. A key that
// cannot be derived is a miss.
func (c *Cacher) Lookup(t Tier, src extract.Source) ([]byte, bool) {
	key, err := c.keyer.Key(t, src)
	if err != nil {
		c.log.Warn("derive cache key", "tier", t, "err", err)
		return nil, false
	}
	return c.store.Get(key)
}

// Store caches an artifact. Failures are logged and reported as false; they
// never reach the caller's result.
func (c *Cacher) Store(t Tier, src extract.Source, data []byte) bool {
	key, err := c.keyer.Key(t, src)
	if err != nil {
		c.log.Warn("derive cache key", "tier", t, "err", err)
		return false
	}
	return c.store.Put(key, data, c.policy.Expires(c.store.clock.Now()))
}

// GetOrCompute returns the cached artifact or computes and caches it.
// Concurrent misses on one key share a single compute. The second result is
// true when the artifact came from the cache.
func (c *Cacher) GetOrCompute(ctx context.Context, t Tier, src extract.Source, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	key, err := c.keyer.Key(t, src)
	if err != nil {
		c.log.Warn("derive cache key, computing uncached", "tier", t, "err", err)
		data, err := compute(ctx)
		return data, false, err
	}
	if data, ok := c.store.Get(key); ok {
		return data, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if data, ok := c.store.Get(key); ok {
			return data, nil
		}
		// The shared compute outlives a single caller's cancellation.
		data, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store.Put(key, data, c.policy.Expires(c.store.clock.Now()))
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), false, nil
	}
}

// Flush drops every entry of the data set.
func (c *Cacher) Flush() int {
	n := c.store.ClearPrefix(Prefix(c.name))
	c.log.Info("cache flushed", "entries", n)
	return n
}
