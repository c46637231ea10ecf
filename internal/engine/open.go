package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tuannm99/novads/internal"
	"github.com/tuannm99/novads/internal/backend"
	"github.com/tuannm99/novads/internal/cache"
	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/dataset"
	"github.com/tuannm99/novads/internal/sql/executor"
)

// Options are the collaborators Open cannot derive from configuration.
type Options struct {
	// Registerer receives the engine metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	Authorizer executor.Authorizer
	Clock      cache.Clock
}

// Open wires a complete engine from configuration: back-end pools, catalog
// metadata, the shared cache store and every data set.
func Open(ctx context.Context, cfg *internal.NovaDSConfig, opts Options) (*Engine, error) {
	reg, err := backend.Open(cfg.Backends)
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cache.StoreConfig{
		MaxBytes:   cfg.Cache.MaxBytes,
		Dir:        cfg.Cache.Dir,
		SpillBytes: cfg.Cache.SpillBytes,
		Clock:      opts.Clock,
		Metrics:    cache.NewMetrics(opts.Registerer),
	})
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	sets, err := dataset.Load(ctx, cfg.Datasets, dataset.Deps{
		Metadata:   backend.NewSQLMetadata(reg, catalog.NewEstimateCache(cfg.Cache.EstimateTTL)),
		Builder:    reg.Builder,
		Store:      store,
		Authorizer: opts.Authorizer,
		Metrics:    executor.NewMetrics(opts.Registerer),
	})
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	e := New(sets, reg, store)
	e.ping = reg.Ping
	e.closers = append(e.closers, reg.Close)
	return e, nil
}
