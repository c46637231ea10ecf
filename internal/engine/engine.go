// Package engine serves requests against loaded data sets: queries through
// the result cache, updates through transaction sets.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/cache"
	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/dataset"
	"github.com/tuannm99/novads/internal/doc"
	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/record"
	"github.com/tuannm99/novads/internal/sql/executor"
)

var (
	ErrClosed    = errors.New("engine: closed")
	ErrWrongKind = errors.New("engine: operation not supported by data set kind")
	ErrNotCached = errors.New("engine: data set is not cached")
)

// Request is one call against a data set.
type Request struct {
	Dataset string
	Page    string
	Params  map[string][]string
	Headers map[string]string
	Vars    map[string]string
	// Document holds the input rows of an update.
	Document *doc.Node
}

func (r *Request) values() *extract.Values {
	return &extract.Values{
		Page:    r.Page,
		Params:  r.Params,
		Headers: r.Headers,
		Vars:    r.Vars,
		Current: r.Document,
	}
}

type QueryResult struct {
	Result *record.Result
	Cached bool
}

type Engine struct {
	sets      *dataset.Set
	connector executor.Connector
	store     *cache.Store
	ping      func(context.Context) error
	closers   []func() error
	closed    atomic.Bool
	log       *slog.Logger
}

// New serves the data sets of sets, taking back-end connections from
// connector. store may be nil when nothing is cached.
func New(sets *dataset.Set, connector executor.Connector, store *cache.Store) *Engine {
	return &Engine{
		sets:      sets,
		connector: connector,
		store:     store,
		log:       slog.Default().With("component", "engine"),
	}
}

func (e *Engine) Datasets() []string { return e.sets.Names() }

func (e *Engine) dataset(name string, kind catalog.PipeKind) (*dataset.Dataset, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	d, err := e.sets.Get(name)
	if err != nil {
		return nil, err
	}
	if d.Kind() != kind {
		return nil, errors.Wrapf(ErrWrongKind, "%q", name)
	}
	return d, nil
}

// Query runs a query data set. Cached data sets answer from the rowset tier
// when they can, and concurrent misses share one execution.
func (e *Engine) Query(ctx context.Context, req *Request) (*QueryResult, error) {
	d, err := e.dataset(req.Dataset, catalog.PipeQuery)
	if err != nil {
		return nil, err
	}
	src := req.values()

	run := func(ctx context.Context) (*record.Result, error) {
		ed := executor.NewExecData(e.connector)
		defer ed.Release()
		return executor.Query(ctx, ed, d.Query, src)
	}
	if d.Cacher == nil {
		res, err := run(ctx)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Result: res}, nil
	}

	var fresh *record.Result
	data, cached, err := d.Cacher.GetOrCompute(ctx, cache.TierRows, src, func(ctx context.Context) ([]byte, error) {
		res, err := run(ctx)
		if err != nil {
			return nil, err
		}
		fresh = res
		return record.EncodeResult(res)
	})
	if err != nil {
		return nil, err
	}
	if fresh != nil {
		return &QueryResult{Result: fresh}, nil
	}
	res, err := record.DecodeResult(data)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Result: res, Cached: cached}, nil
}

// Update runs an update data set. Per-row failures come back as a
// *executor.FailureReport next to the summary. Once any row has been
// applied, the caches of the data sets depending on this one are flushed.
func (e *Engine) Update(ctx context.Context, req *Request) (*executor.Summary, error) {
	d, err := e.dataset(req.Dataset, catalog.PipeUpdate)
	if err != nil {
		return nil, err
	}
	ed := executor.NewExecData(e.connector)
	defer ed.Release()

	sum, err := d.Tx.Execute(ctx, ed, req.values())
	if sum != nil && sum.Inserted+sum.Updated+sum.Deleted > 0 {
		for _, name := range d.Flushes {
			if _, ferr := e.Flush(name); ferr != nil {
				e.log.Warn("flush dependent data set", "dataset", name, "err", ferr)
			}
		}
	}
	return sum, err
}

// Artifact returns a cached document or page artifact.
func (e *Engine) Artifact(tier cache.Tier, req *Request) ([]byte, bool) {
	d, err := e.sets.Get(req.Dataset)
	if err != nil || d.Cacher == nil || e.closed.Load() {
		return nil, false
	}
	return d.Cacher.Lookup(tier, req.values())
}

// StoreArtifact caches a document or page artifact rendered for req. It
// reports whether the artifact was kept.
func (e *Engine) StoreArtifact(tier cache.Tier, req *Request, data []byte) bool {
	d, err := e.sets.Get(req.Dataset)
	if err != nil || d.Cacher == nil || e.closed.Load() {
		return false
	}
	return d.Cacher.Store(tier, req.values(), data)
}

// Flush drops every cached artifact of a data set.
func (e *Engine) Flush(name string) (int, error) {
	d, err := e.sets.Get(name)
	if err != nil {
		return 0, err
	}
	if d.Cacher == nil {
		return 0, errors.Wrapf(ErrNotCached, "%q", name)
	}
	return d.Cacher.Flush(), nil
}

// FlushAll empties the shared store.
func (e *Engine) FlushAll() int {
	if e.store == nil {
		return 0
	}
	return e.store.Clear()
}

// Ping checks the back-ends.
func (e *Engine) Ping(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.ping == nil {
		return nil
	}
	return e.ping(ctx)
}

// Close refuses further requests and releases what Open acquired. It is
// safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.log.Info("engine closed")
	return first
}
