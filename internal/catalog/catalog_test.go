package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novads/internal/record"
)

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{"insert": ActionInsert, " U ": ActionUpdate, "delete": ActionDelete, "d": ActionDelete} {
		got, err := ParseAction(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseAction("upsert")
	require.Error(t, err)
	require.Equal(t, "none", ActionNone.String())
}

func TestParseColumnRefAndJoinType(t *testing.T) {
	ref, err := ParseColumnRef(" o.id ")
	require.NoError(t, err)
	require.Equal(t, ColumnRef{Table: "o", Column: "id"}, ref)
	require.Equal(t, "o.id", ref.String())

	for _, bad := range []string{"id", ".id", "o."} {
		_, err := ParseColumnRef(bad)
		require.Error(t, err, bad)
	}

	jt, err := ParseJoinType("Left Outer")
	require.NoError(t, err)
	require.Equal(t, JoinLeft, jt)
	jt, err = ParseJoinType("")
	require.NoError(t, err)
	require.Equal(t, JoinInner, jt)
	_, err = ParseJoinType("cross")
	require.Error(t, err)
	require.Equal(t, "full", JoinFull.String())
}

func TestPipeLookups(t *testing.T) {
	p := &Pipe{
		Tables: []Table{{Alias: "o", Name: "orders", Backend: "main"}, {Alias: "i", Name: "order_items", Backend: "main"}},
		Mappings: []Mapping{
			{Column: ColumnRef{"o", "id"}},
			{Column: ColumnRef{"i", "sku"}, Output: "item_sku"},
			{Column: ColumnRef{"o", "status"}},
		},
		Sync: Synchronizer{Insert: true, Delete: true},
	}
	tbl, ok := p.Table("i")
	require.True(t, ok)
	require.Equal(t, "order_items", tbl.Name)
	_, ok = p.Table("x")
	require.False(t, ok)

	ms := p.MappingsFor("o")
	require.Len(t, ms, 2)
	require.Equal(t, "status", ms[1].OutputName())
	require.Equal(t, "item_sku", p.MappingsFor("i")[0].OutputName())

	require.True(t, p.Sync.Allows(ActionInsert))
	require.False(t, p.Sync.Allows(ActionUpdate))
	require.False(t, p.Sync.Allows(ActionNone))
}

func TestStaticMetadataAndChain(t *testing.T) {
	ctx := context.Background()
	static := NewStaticMetadata()
	static.Add("main", &TableMeta{
		Name:       "Orders",
		Columns:    []record.Column{{Name: "id", Type: record.ColInt64}, {Name: "stamp", Type: record.ColTime}},
		PrimaryKey: []string{"id"},
		AutoUpdate: []string{"STAMP"},
	})

	tm, err := static.Table(ctx, "MAIN", "orders")
	require.NoError(t, err)
	require.True(t, tm.IsPrimaryKey("ID"))
	require.True(t, tm.IsAutoUpdate("stamp"))
	col, ok := tm.Column("Stamp")
	require.True(t, ok)
	require.Equal(t, record.ColTime, col.Type)

	_, err = static.Table(ctx, "main", "missing")
	require.ErrorIs(t, err, ErrNoMetadata)

	fallback := NewStaticMetadata()
	fallback.Add("main", &TableMeta{Name: "items"})
	chain := Chain{static, nil, fallback}

	tm, err = chain.Table(ctx, "main", "items")
	require.NoError(t, err)
	require.Equal(t, "items", tm.Name)

	_, err = chain.Table(ctx, "main", "nothing")
	require.ErrorIs(t, err, ErrNoMetadata)

	boom := errors.New("connection reset")
	failing := providerFunc(func(context.Context, string, string) (*TableMeta, error) { return nil, boom })
	_, err = Chain{failing, fallback}.Table(ctx, "main", "items")
	require.ErrorIs(t, err, boom)
}

type providerFunc func(ctx context.Context, backend, name string) (*TableMeta, error)

func (f providerFunc) Table(ctx context.Context, backend, name string) (*TableMeta, error) {
	return f(ctx, backend, name)
}

func TestEstimateCache(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c := NewEstimateCache(time.Minute)
	c.now = func() time.Time { return now }

	calls := 0
	load := func() (int64, error) {
		calls++
		return int64(100 * calls), nil
	}

	n, err := c.Get("main", "orders", load)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)

	now = now.Add(59 * time.Second)
	n, err = c.Get("MAIN", "ORDERS", load)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
	require.Equal(t, 1, calls)

	now = now.Add(time.Second)
	n, err = c.Get("main", "orders", load)
	require.NoError(t, err)
	require.Equal(t, int64(200), n)

	_, err = c.Get("main", "broken", func() (int64, error) { return 0, errors.New("denied") })
	require.Error(t, err)

	var nilCache *EstimateCache
	n, err = nilCache.Get("main", "orders", func() (int64, error) { return 5, nil })
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
