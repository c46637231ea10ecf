package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novads/internal/catalog"
)

func TestBuildQueryPlan_TwoTables(t *testing.T) {
	sku := mapping("i.sku", "literal:x")
	sku.Output = "item_sku"
	p := &catalog.Pipe{
		Name: "order_view",
		Kind: catalog.PipeQuery,
		Tables: []catalog.Table{
			{Alias: "o", Name: "orders", Backend: "main"},
			{Alias: "i", Name: "order_items", Backend: "main"},
		},
		Mappings:  []catalog.Mapping{mapping("o.id", "literal:x"), mapping("o.status", "literal:x"), sku},
		Joins:     []catalog.Join{{Left: ref("o.id"), Right: ref("i.order_id")}},
		Selection: []catalog.Mapping{mapping("o.status", "param:status")},
	}
	md := catalog.NewStaticMetadata()
	md.Add("main", &catalog.TableMeta{Name: "orders", RowEstimate: 10})
	md.Add("main", &catalog.TableMeta{Name: "order_items", RowEstimate: 40})

	qp, err := BuildQueryPlan(context.Background(), Input{Pipe: p, Metadata: md, Builder: genericBuilder})
	require.NoError(t, err)

	require.Len(t, qp.Logins(), 1)
	stmts := qp.Statements()
	require.Len(t, stmts, 2)
	require.Equal(t, "SELECT id, status FROM orders WHERE status = ? ORDER BY id", stmts[0].Stmt.SQL())
	require.Equal(t, "SELECT sku, order_id FROM order_items ORDER BY order_id", stmts[1].Stmt.SQL())

	require.Len(t, qp.Joins, 1)
	j := qp.Joins[0]
	require.Equal(t, 1, j.Right)
	require.Equal(t, 0, j.LeftKey)
	require.Equal(t, 1, j.RightKey)
	require.Equal(t, []bool{false, false, false, true}, j.Omit)
	require.Equal(t, []string{"o.id", "o.status", "i.sku"}, j.Columns)

	require.Equal(t, []string{"id", "status", "item_sku"}, qp.OutputNames())
	require.Equal(t, int64(40), qp.Estimate)
}

func TestBuildQueryPlan_ThreeTablesSwapsJoinSides(t *testing.T) {
	p := &catalog.Pipe{
		Name: "catalog_view",
		Kind: catalog.PipeQuery,
		Tables: []catalog.Table{
			{Alias: "o", Name: "orders", Backend: "main"},
			{Alias: "i", Name: "order_items", Backend: "main"},
			{Alias: "p", Name: "products", Backend: "main"},
		},
		Mappings: []catalog.Mapping{mapping("o.id", "literal:x"), mapping("p.name", "literal:x")},
		Joins: []catalog.Join{
			{Left: ref("o.id"), Right: ref("i.order_id")},
			{Left: ref("p.sku"), Right: ref("i.sku"), Type: catalog.JoinLeft},
		},
	}

	qp, err := BuildQueryPlan(context.Background(), Input{Pipe: p, Builder: genericBuilder})
	require.NoError(t, err)

	stmts := qp.Statements()
	require.Equal(t, "SELECT id FROM orders ORDER BY id", stmts[0].Stmt.SQL())
	require.Equal(t, "SELECT order_id, sku FROM order_items ORDER BY order_id", stmts[1].Stmt.SQL())
	require.Equal(t, "SELECT name, sku FROM products ORDER BY sku", stmts[2].Stmt.SQL())

	require.Equal(t, []bool{false, true, false}, qp.Joins[0].Omit)
	require.Equal(t, []string{"o.id", "i.sku"}, qp.Joins[0].Columns)

	j := qp.Joins[1]
	require.Equal(t, catalog.JoinRight, j.Type)
	require.Equal(t, 1, j.LeftKey)
	require.Equal(t, 1, j.RightKey)
	require.Equal(t, []string{"o.id", "p.name"}, j.Columns)
	require.Equal(t, []OutputColumn{{Source: 0, Name: "id"}, {Source: 1, Name: "name"}}, qp.Output)
}

func TestBuildQueryPlan_Validation(t *testing.T) {
	base := func() *catalog.Pipe {
		return &catalog.Pipe{
			Name: "v",
			Tables: []catalog.Table{
				{Alias: "a", Name: "a", Backend: "main"},
				{Alias: "b", Name: "b", Backend: "main"},
			},
			Mappings: []catalog.Mapping{mapping("a.id", "literal:x")},
		}
	}
	var ve *ValidationError

	_, err := BuildQueryPlan(context.Background(), Input{Pipe: base(), Builder: genericBuilder})
	require.ErrorAs(t, err, &ve)
	require.Contains(t, err.Error(), "no joins")

	p := base()
	p.Joins = []catalog.Join{{Left: ref("a.id"), Right: ref("a.id")}}
	_, err = BuildQueryPlan(context.Background(), Input{Pipe: p, Builder: genericBuilder})
	require.ErrorAs(t, err, &ve)

	p = base()
	p.Mappings = nil
	p.Joins = []catalog.Join{{Left: ref("a.id"), Right: ref("b.a_id")}}
	_, err = BuildQueryPlan(context.Background(), Input{Pipe: p, Builder: genericBuilder})
	require.ErrorAs(t, err, &ve)
	require.Contains(t, err.Error(), "maps no columns")
}
