package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/record"
)

// ErrNoMetadata means the provider cannot describe a table. Plan building
// then falls back to declared table order.
var ErrNoMetadata = errors.New("catalog: no table metadata available")

type ForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
}

type TableMeta struct {
	Name        string
	Columns     []record.Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	// AutoUpdate columns are maintained by the back-end (identity, rowversion,
	// trigger-stamped) and are never written by insert or update statements.
	AutoUpdate  []string
	RowEstimate int64
}

func (t *TableMeta) Column(name string) (record.Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return record.Column{}, false
}

func (t *TableMeta) IsAutoUpdate(col string) bool {
	return containsFold(t.AutoUpdate, col)
}

func (t *TableMeta) IsPrimaryKey(col string) bool {
	return containsFold(t.PrimaryKey, col)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// MetadataProvider describes back-end tables.
type MetadataProvider interface {
	Table(ctx context.Context, backend, name string) (*TableMeta, error)
}

var _ MetadataProvider = (*StaticMetadata)(nil)

// StaticMetadata serves table descriptions declared in configuration.
type StaticMetadata struct {
	tables map[string]*TableMeta
}

func NewStaticMetadata() *StaticMetadata {
	return &StaticMetadata{tables: make(map[string]*TableMeta)}
}

func staticKey(backend, name string) string {
	return strings.ToLower(backend + "\x00" + name)
}

func (s *StaticMetadata) Add(backend string, tm *TableMeta) {
	s.tables[staticKey(backend, tm.Name)] = tm
}

func (s *StaticMetadata) Table(_ context.Context, backend, name string) (*TableMeta, error) {
	tm, ok := s.tables[staticKey(backend, name)]
	if !ok {
		return nil, errors.Wrapf(ErrNoMetadata, "%s.%s", backend, name)
	}
	return tm, nil
}

// Chain asks each provider in turn and returns the first description found.
type Chain []MetadataProvider

func (c Chain) Table(ctx context.Context, backend, name string) (*TableMeta, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		tm, err := p.Table(ctx, backend, name)
		if err == nil {
			return tm, nil
		}
		if !errors.Is(err, ErrNoMetadata) {
			return nil, err
		}
	}
	return nil, errors.Wrapf(ErrNoMetadata, "%s.%s", backend, name)
}

// EstimateCache holds row-count estimates with a time-to-live. It is owned by
// whoever constructs the loader and handed to the metadata providers.
type EstimateCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]estimate
}

type estimate struct {
	rows int64
	at   time.Time
}

func NewEstimateCache(ttl time.Duration) *EstimateCache {
	return &EstimateCache{ttl: ttl, now: time.Now, entries: make(map[string]estimate)}
}

// Get returns a cached estimate, or calls load and remembers its answer.
func (c *EstimateCache) Get(backend, table string, load func() (int64, error)) (int64, error) {
	if c == nil {
		return load()
	}
	k := staticKey(backend, table)

	c.mu.Lock()
	e, ok := c.entries[k]
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || c.now().Sub(e.at) < c.ttl) {
		return e.rows, nil
	}

	rows, err := load()
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.entries[k] = estimate{rows: rows, at: c.now()}
	c.mu.Unlock()
	return rows, nil
}
