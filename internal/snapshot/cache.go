// Package snapshot keeps an immutable, periodically refreshed copy of the
// experiment list so resolve requests never wait on the store.
package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/monitoring"
	"github.com/sells-group/ab-resolver/internal/resilience"
	"github.com/sells-group/ab-resolver/internal/store"
)

// DefaultTTL is used when Options.TTL is not positive.
const DefaultTTL = 30 * time.Second

// Snapshot is one loaded experiment list. It must not be mutated.
type Snapshot struct {
	Experiments []model.Experiment
	// Version increases by one on every successful load.
	Version  uint64
	LoadedAt time.Time
}

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	Guard   *resilience.Guard
	Metrics *monitoring.Metrics
}

// Cache serves the latest Snapshot and reloads it from the store once it is
// older than the TTL. Readers never block on each other; at most one load
// runs at a time.
type Cache struct {
	lister  store.Lister
	ttl     time.Duration
	guard   *resilience.Guard
	metrics *monitoring.Metrics
	now     func() time.Time

	cur     atomic.Pointer[Snapshot]
	dirty   atomic.Bool
	loadMu  sync.Mutex
	retryAt time.Time // guarded by loadMu
}

// New creates a Cache over l. Nothing is loaded until the first Get or Refresh.
func New(l store.Lister, opts Options) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	guard := opts.Guard
	if guard == nil {
		guard = resilience.NewGuard("snapshot", resilience.DefaultRetryConfig(), resilience.DefaultCircuitBreakerConfig())
	}
	return &Cache{
		lister:  l,
		ttl:     ttl,
		guard:   guard,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Get returns a snapshot no older than the TTL when the store is reachable.
// If a reload fails the previous snapshot is returned without error, and no
// further reload is attempted for one TTL. If nothing was ever loaded, an
// empty snapshot is returned together with the load error.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	if s := c.cur.Load(); s != nil && c.fresh(s) {
		return s, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	s := c.cur.Load()
	if s != nil && c.fresh(s) {
		return s, nil
	}
	if s != nil && !c.dirty.Load() && c.now().Before(c.retryAt) {
		return s, nil
	}

	next, err := c.load(ctx)
	if err == nil {
		return next, nil
	}
	if s != nil {
		return s, nil
	}
	return &Snapshot{Experiments: []model.Experiment{}}, err
}

// Refresh loads a new snapshot immediately.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.load(ctx)
}

// Invalidate makes the next Get reload regardless of age.
func (c *Cache) Invalidate() {
	c.dirty.Store(true)
}

// Current returns the loaded snapshot without triggering a reload, or nil.
func (c *Cache) Current() *Snapshot {
	return c.cur.Load()
}

// Run refreshes the snapshot every interval until ctx is done, so request
// paths normally find a fresh copy.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl / 2
	}
	log := zap.L().With(zap.String("component", "snapshot"))
	log.Info("starting snapshot refresher", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("snapshot refresher stopped")
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Warn("background snapshot refresh failed", zap.Error(err))
			}
		}
	}
}

func (c *Cache) fresh(s *Snapshot) bool {
	return !c.dirty.Load() && c.now().Sub(s.LoadedAt) < c.ttl
}

// load must be called with loadMu held.
func (c *Cache) load(ctx context.Context) (*Snapshot, error) {
	// Cleared before the read so an Invalidate that races the load is kept.
	c.dirty.Store(false)

	exps, err := resilience.Call(ctx, c.guard, func(ctx context.Context) ([]model.Experiment, error) {
		return c.lister.ListExperiments(ctx, store.ExperimentFilter{Status: model.StatusRunning, Unlimited: true})
	})
	now := c.now()
	if err != nil {
		c.retryAt = now.Add(c.ttl)
		c.metrics.ObserveReload(false, 0, now)
		zap.L().Error("snapshot: load experiments failed",
			zap.Error(err),
			zap.Bool("serving_stale", c.cur.Load() != nil),
		)
		return nil, eris.Wrap(err, "snapshot: load")
	}

	var version uint64 = 1
	if prev := c.cur.Load(); prev != nil {
		version = prev.Version + 1
	}
	next := &Snapshot{Experiments: exps, Version: version, LoadedAt: now}
	c.cur.Store(next)
	c.metrics.ObserveReload(true, len(exps), now)
	return next, nil
}
