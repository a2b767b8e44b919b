package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/star/orbitguard/internal/catalog"
)

// Refresher keeps the engine's catalog current from a remote TLE source,
// with an on-disk cache for cold starts.
type Refresher struct {
	engine   *Engine
	fetcher  *catalog.Fetcher
	cache    *catalog.Cache
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher. A nil fetcher disables network
// refreshes; a nil cache disables persistence.
func NewRefresher(e *Engine, fetcher *catalog.Fetcher, cache *catalog.Cache, interval time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{
		engine:   e,
		fetcher:  fetcher,
		cache:    cache,
		interval: interval,
		logger:   logger,
	}
}

// LoadCache publishes the newest cached payload, if any.
func (r *Refresher) LoadCache() (*catalog.Snapshot, error) {
	if r.cache == nil {
		return nil, fmt.Errorf("cache disabled")
	}
	data, ts, err := r.cache.LoadLatest()
	if err != nil {
		return nil, err
	}
	snap, err := r.engine.IngestTLE("cache", ts, data)
	if err != nil {
		return nil, err
	}
	r.logger.Info("loaded catalog from cache", "objects", snap.Len(), "cached_at", ts.Format(time.RFC3339))
	return snap, nil
}

// Refresh fetches, caches and publishes a new catalog. An unchanged upstream
// returns the current snapshot without publishing or scanning. Concurrent
// calls are serialized on the store's fetch lock.
func (r *Refresher) Refresh(ctx context.Context) (*catalog.Snapshot, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("catalog fetch disabled")
	}
	store := r.engine.Store()
	store.Lock()
	defer store.Unlock()

	start := time.Now()
	data, err := r.fetcher.Fetch(ctx)
	if errors.Is(err, catalog.ErrNotModified) {
		r.logger.Debug("catalog unchanged upstream", "source", r.fetcher.SourceURL())
		return r.engine.Store().Current(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	fetchedAt := time.Now().UTC()

	if r.cache != nil {
		if err := r.cache.Write(data, fetchedAt); err != nil {
			r.logger.Warn("catalog cache write failed", "error", err)
		}
	}

	snap, err := r.engine.IngestTLE(r.fetcher.SourceURL(), fetchedAt, data)
	if err != nil {
		return nil, err
	}
	r.logger.Info("catalog fetched",
		"source", r.fetcher.SourceURL(),
		"bytes", len(data),
		"objects", snap.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

// Run refreshes immediately and then every interval until ctx is
// cancelled. Failed refreshes keep the previous catalog.
func (r *Refresher) Run(ctx context.Context) {
	if r.fetcher == nil || r.interval <= 0 {
		return
	}
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn("catalog refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("catalog refresher stopped")
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				r.logger.Warn("catalog refresh failed", "error", err)
			}
		}
	}
}
