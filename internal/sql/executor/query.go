package executor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/record"
	"github.com/tuannm99/novads/internal/sql/builder"
	"github.com/tuannm99/novads/internal/sql/join"
	"github.com/tuannm99/novads/internal/sql/planner"
)

// maxPresize caps the row estimate used to pre-size join buffers.
const maxPresize = 1 << 16

// Query evaluates a query plan: one cursor per table, folded left to right
// through merge joins, then projected onto the output columns. Cursors opened
// here are closed before it returns.
func Query(ctx context.Context, ed *ExecData, qp *planner.QueryPlan, src extract.Source) (*record.Result, error) {
	if err := ed.Login(ctx, qp.Logins()); err != nil {
		return nil, err
	}
	ed.Save()
	defer func() { _ = ed.Restore() }()

	stmts := qp.Statements()
	if len(stmts) == 0 {
		return nil, errors.New("executor: query plan has no statements")
	}
	open := func(st *planner.StatementStep) (record.Cursor, error) {
		q, ok := st.Stmt.(builder.Query)
		if !ok {
			return nil, errors.Wrapf(builder.ErrNotQuery, "table %s", st.Table.Name)
		}
		c, err := ed.Open(ctx, st.Key, q, src)
		if err != nil {
			return nil, &StatementError{Table: st.Table.Name, SQL: st.Stmt.SQL(), Err: err}
		}
		return c, nil
	}

	presize := int(min(qp.Estimate, maxPresize))

	left, err := open(stmts[0])
	if err != nil {
		return nil, err
	}
	var rows *record.Result
	if len(qp.Joins) == 0 {
		if rows, err = record.Drain(left); err != nil {
			return nil, &StatementError{Table: stmts[0].Table.Name, SQL: stmts[0].Stmt.SQL(), Err: err}
		}
	}
	for k, j := range qp.Joins {
		right, err := open(stmts[j.Right])
		if err != nil {
			return nil, err
		}
		rows, err = join.MergeJoin(ctx, left, right, join.Spec{
			LeftKey:  j.LeftKey,
			RightKey: j.RightKey,
			Type:     j.Type,
			Omit:     j.Omit,
			Columns:  j.Columns,
			Capacity: presize,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "executor: join %s", stmts[j.Right].Table.Name)
		}
		if k+1 < len(qp.Joins) {
			left = join.SortedCursor(rows, qp.Joins[k+1].LeftKey)
		}
	}

	return project(rows, qp.Output), nil
}

func project(in *record.Result, out []planner.OutputColumn) *record.Result {
	res := &record.Result{Columns: make([]string, len(out)), Rows: make([][]any, len(in.Rows))}
	for i, c := range out {
		res.Columns[i] = c.Name
	}
	for r, row := range in.Rows {
		pr := make([]any, len(out))
		for i, c := range out {
			pr[i] = row[c.Source]
		}
		res.Rows[r] = pr
	}
	return res
}
