package engine

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novads/internal"
	"github.com/tuannm99/novads/internal/backend"
	"github.com/tuannm99/novads/internal/cache"
	"github.com/tuannm99/novads/internal/dataset"
	"github.com/tuannm99/novads/internal/doc"
	"github.com/tuannm99/novads/internal/sql/executor"
)

const schema = `
CREATE TABLE orders (
	id INTEGER PRIMARY KEY,
	status TEXT NOT NULL
);
CREATE TABLE order_items (
	order_id BIGINT NOT NULL REFERENCES orders(id),
	sku TEXT NOT NULL,
	PRIMARY KEY (order_id, sku)
);
`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) *internal.NovaDSConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(schema)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := &internal.NovaDSConfig{}
	cfg.Backends = []backend.Config{{Name: "main", Driver: "sqlite", DSN: path}}
	cfg.Cache.MaxBytes = 1 << 20
	cfg.Cache.EstimateTTL = time.Minute
	cfg.Datasets = []internal.DatasetConfig{
		{
			Name: "orders",
			Kind: "query",
			Tables: []internal.TableConfig{
				{Alias: "o", Name: "orders", Backend: "main"},
				{Alias: "i", Name: "order_items", Backend: "main"},
			},
			Joins: []internal.JoinConfig{{Left: "o.id", Right: "i.order_id", Type: "left"}},
			Mappings: []internal.MappingConfig{
				{Column: "o.id"},
				{Column: "o.status"},
				{Column: "i.sku", Output: "item_sku"},
			},
			Selection: []internal.MappingConfig{{Column: "o.status", Value: "param:status"}},
			Cache: &internal.DatasetCacheConfig{
				Mode:     "interval",
				Interval: 15 * time.Minute,
				Rows:     []string{"param:status"},
				Page:     []string{"header:Accept"},
			},
			FlushOnUpdate: []string{"orders_update"},
		},
		{
			Name: "orders_update",
			Kind: "update",
			Tables: []internal.TableConfig{
				{Alias: "o", Name: "orders", Backend: "main"},
				{Alias: "i", Name: "order_items", Backend: "main"},
			},
			Mappings: []internal.MappingConfig{
				{Column: "o.id", Value: "node:@id"},
				{Column: "o.status", Value: "node:@status"},
				{Column: "i.order_id", Value: "node:../@id", Iterator: "item"},
				{Column: "i.sku", Value: "node:@sku", Iterator: "item"},
			},
			Granularity: "each_row",
			RowPath:     "order",
			Action: internal.ActionConfig{
				Field: "@op",
				Values: []internal.DiscriminatorConfig{
					{Value: "I", Action: "insert"},
					{Value: "D", Action: "delete"},
				},
			},
		},
	}
	return cfg
}

func openEngine(t *testing.T, reg prometheus.Registerer) (*Engine, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	e, err := Open(context.Background(), testConfig(t), Options{Registerer: reg, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, clk
}

func mustDoc(t *testing.T, s string) *doc.Node {
	t.Helper()
	n, err := doc.ParseString(s)
	require.NoError(t, err)
	return n
}

func openOrders() *Request {
	return &Request{Dataset: "orders", Page: "list", Params: map[string][]string{"status": {"open"}}}
}

func TestEngine_UpdateThenCachedQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, clk := openEngine(t, reg)
	ctx := context.Background()
	require.Equal(t, []string{"orders", "orders_update"}, e.Datasets())

	sum, err := e.Update(ctx, &Request{Dataset: "orders_update", Document: mustDoc(t, `
<orders>
  <order op="I" id="1" status="open"><item sku="a"/><item sku="b"/></order>
  <order op="I" id="2" status="open"/>
  <order op="I" id="3" status="done"/>
</orders>`)})
	require.NoError(t, err)
	require.Equal(t, 3, sum.Inserted)
	require.Equal(t, executor.StateCommitted.String(), sum.State)

	first, err := e.Query(ctx, openOrders())
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Equal(t, []string{"id", "status", "item_sku"}, first.Result.Columns)
	require.ElementsMatch(t, [][]any{
		{int64(1), "open", "a"},
		{int64(1), "open", "b"},
		{int64(2), "open", nil},
	}, first.Result.Rows)

	second, err := e.Query(ctx, openOrders())
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Result, second.Result)

	other, err := e.Query(ctx, &Request{Dataset: "orders", Page: "list", Params: map[string][]string{"status": {"done"}}})
	require.NoError(t, err)
	require.False(t, other.Cached)
	require.Equal(t, [][]any{{int64(3), "done", nil}}, other.Result.Rows)

	clk.Advance(15 * time.Minute)
	expired, err := e.Query(ctx, openOrders())
	require.NoError(t, err)
	require.False(t, expired.Cached)

	require.Equal(t, 1.0, counterValue(t, reg, "novads_cache_hits_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestEngine_UpdateFlushesDependentCache(t *testing.T) {
	e, _ := openEngine(t, nil)
	ctx := context.Background()

	_, err := e.Update(ctx, &Request{Dataset: "orders_update", Document: mustDoc(t,
		`<orders><order op="I" id="1" status="open"/><order op="I" id="2" status="open"/></orders>`)})
	require.NoError(t, err)

	res, err := e.Query(ctx, openOrders())
	require.NoError(t, err)
	require.Len(t, res.Result.Rows, 2)

	sum, err := e.Update(ctx, &Request{Dataset: "orders_update", Document: mustDoc(t,
		`<orders><order op="D" id="2"/></orders>`)})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Deleted)

	res, err = e.Query(ctx, openOrders())
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, [][]any{{int64(1), "open", nil}}, res.Result.Rows)
}

func TestEngine_UpdateReportsFailedRows(t *testing.T) {
	e, _ := openEngine(t, nil)
	sum, err := e.Update(context.Background(), &Request{Dataset: "orders_update", Document: mustDoc(t, `
<orders>
  <order op="I" id="1" status="open"/>
  <order op="I" id="1" status="again"/>
  <order op="X" id="9" status="open"/>
  <order op="I" id="2" status="open"/>
</orders>`)})
	require.Error(t, err)

	var report *executor.FailureReport
	require.True(t, errors.As(err, &report))
	require.Equal(t, []int{1, 2}, report.Rows())
	require.Equal(t, 2, sum.Inserted)
	require.Equal(t, 2, sum.Failed)

	res, err := e.Query(context.Background(), openOrders())
	require.NoError(t, err)
	require.Len(t, res.Result.Rows, 2)
}

func TestEngine_Artifacts(t *testing.T) {
	e, _ := openEngine(t, nil)
	req := openOrders()
	req.Headers = map[string]string{"Accept": "text/html"}

	_, ok := e.Artifact(cache.TierPage, req)
	require.False(t, ok)
	require.True(t, e.StoreArtifact(cache.TierPage, req, []byte("<html/>")))

	page, ok := e.Artifact(cache.TierPage, req)
	require.True(t, ok)
	require.Equal(t, []byte("<html/>"), page)

	json := openOrders()
	json.Headers = map[string]string{"Accept": "application/json"}
	_, ok = e.Artifact(cache.TierPage, json)
	require.False(t, ok)

	n, err := e.Flush("orders")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok = e.Artifact(cache.TierPage, req)
	require.False(t, ok)

	_, err = e.Flush("orders_update")
	require.ErrorIs(t, err, ErrNotCached)
	require.False(t, e.StoreArtifact(cache.TierPage, &Request{Dataset: "nope"}, []byte("x")))
}

func TestEngine_Errors(t *testing.T) {
	e, _ := openEngine(t, nil)
	ctx := context.Background()

	_, err := e.Query(ctx, &Request{Dataset: "orders_update"})
	require.ErrorIs(t, err, ErrWrongKind)
	_, err = e.Update(ctx, &Request{Dataset: "orders"})
	require.ErrorIs(t, err, ErrWrongKind)
	_, err = e.Query(ctx, &Request{Dataset: "missing"})
	require.ErrorIs(t, err, dataset.ErrUnknownDataset)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.Query(ctx, openOrders())
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpen_BadDatasetClosesBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Datasets[0].Mappings[0].Column = "x.id"
	_, err := Open(context.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestEngine_RowsKeyIncludesBoundParameters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Datasets[0].Cache.Rows = nil
	clk := &testClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	e, err := Open(context.Background(), cfg, Options{Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	_, err = e.Update(ctx, &Request{Dataset: "orders_update", Document: mustDoc(t,
		`<orders><order op="I" id="1" status="open"/><order op="I" id="3" status="done"/></orders>`)})
	require.NoError(t, err)

	open, err := e.Query(ctx, openOrders())
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(1), "open", nil}}, open.Result.Rows)

	done, err := e.Query(ctx, &Request{Dataset: "orders", Page: "list", Params: map[string][]string{"status": {"done"}}})
	require.NoError(t, err)
	require.False(t, done.Cached)
	require.Equal(t, [][]any{{int64(3), "done", nil}}, done.Result.Rows)

	again, err := e.Query(ctx, openOrders())
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, open.Result.Rows, again.Result.Rows)
}
