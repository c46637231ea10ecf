package planner

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/sql/builder"
)

// JoinStep folds the next table into the rows joined so far. Positions refer
// to the accumulated layout (left) and the right statement's columns.
type JoinStep struct {
	Right    int
	LeftKey  int
	RightKey int
	Type     catalog.JoinType
	// Omit flags columns of the combined layout (left then right) that neither
	// the output nor a later join reads.
	Omit    []bool
	Columns []string
}

type OutputColumn struct {
	Source int
	Name   string
}

// QueryPlan is the read-side plan: logins, one SELECT per table in join
// order, the joins that combine them and the final projection.
type QueryPlan struct {
	*Plan
	Joins    []JoinStep
	Output   []OutputColumn
	Estimate int64
}

func (q *QueryPlan) OutputNames() []string {
	out := make([]string, len(q.Output))
	for i, c := range q.Output {
		out[i] = c.Name
	}
	return out
}

func qualify(alias, col string) string { return alias + "." + strings.ToLower(col) }

// BuildQueryPlan derives the query plan of a query pipe.
func BuildQueryPlan(ctx context.Context, in Input) (*QueryPlan, error) {
	o, err := newOptimizer(ctx, in)
	if err != nil {
		return nil, err
	}
	p := o.pipe
	if len(p.Mappings) == 0 {
		return nil, invalid(p.Name, "query pipe maps no columns")
	}

	joins, order, err := o.joinOrder()
	if err != nil {
		return nil, err
	}

	// Columns each table must select: mapped columns then join columns.
	cols := make(map[string][]string)
	addCol := func(alias, col string) {
		for _, c := range cols[alias] {
			if strings.EqualFold(c, col) {
				return
			}
		}
		cols[alias] = append(cols[alias], col)
	}
	for _, m := range p.Mappings {
		addCol(m.Column.Table, m.Column.Column)
	}
	for _, j := range joins {
		addCol(j.Left.Table, j.Left.Column)
		addCol(j.Right.Table, j.Right.Column)
	}

	qp := &QueryPlan{}
	var steps []Step
	var logins []Step
	keys := make(map[string]ConnKey)
	layouts := make([][]string, len(order))

	for pos, ti := range order {
		t := p.Tables[ti]
		key, ok := keys[t.Backend]
		if !ok {
			key = ConnKey(len(logins))
			keys[t.Backend] = key
			logins = append(logins, &LoginStep{Key: key, Backend: t.Backend})
		}

		spec := builder.Spec{Kind: builder.KindSelect, Table: t.Name}
		for _, c := range cols[t.Alias] {
			spec.Columns = append(spec.Columns, builder.Binding{Column: c})
			layouts[pos] = append(layouts[pos], qualify(t.Alias, c))
		}
		for _, s := range p.Selection {
			if s.Column.Table == t.Alias {
				spec.Keys = append(spec.Keys, builder.Binding{Column: s.Column.Column, Value: s.Value})
			}
		}
		switch {
		case pos == 0 && len(joins) > 0:
			spec.OrderBy = []string{joins[0].Left.Column}
		case pos > 0:
			spec.OrderBy = []string{joins[pos-1].Right.Column}
		}

		b, err := o.in.Builder(t.Backend)
		if err != nil {
			return nil, errors.Wrapf(err, "planner: builder for back-end %q", t.Backend)
		}
		st, err := b.Build(spec, o.metas[ti])
		if err != nil {
			return nil, errors.Wrapf(err, "planner: pipe %q table %s", p.Name, t.Name)
		}
		if _, ok := st.(builder.Query); !ok {
			return nil, errors.Errorf("planner: builder for %q returned a non-query statement for a SELECT", t.Backend)
		}
		steps = append(steps, &StatementStep{Key: key, Table: t, Stmt: st})

		if tm := o.metas[ti]; tm != nil && tm.RowEstimate > qp.Estimate {
			qp.Estimate = tm.RowEstimate
		}
	}

	// needed[k] holds the qualified columns read after join k-1: the output
	// plus the left keys of joins k and later.
	output := make(map[string]bool)
	for _, m := range p.Mappings {
		output[qualify(m.Column.Table, m.Column.Column)] = true
	}

	layout := layouts[0]
	for k, j := range joins {
		needed := make(map[string]bool, len(output))
		for c := range output {
			needed[c] = true
		}
		for _, later := range joins[k+1:] {
			needed[qualify(later.Left.Table, later.Left.Column)] = true
		}

		combined := append(append([]string(nil), layout...), layouts[k+1]...)
		step := JoinStep{
			Right:    k + 1,
			LeftKey:  indexOf(layout, qualify(j.Left.Table, j.Left.Column)),
			RightKey: indexOf(layouts[k+1], qualify(j.Right.Table, j.Right.Column)),
			Type:     j.Type,
			Omit:     make([]bool, len(combined)),
		}
		if step.LeftKey < 0 || step.RightKey < 0 {
			return nil, invalid(p.Name, "join %s = %s refers to a column that is not selected", j.Left, j.Right)
		}
		for i, c := range combined {
			if needed[c] {
				step.Columns = append(step.Columns, c)
			} else {
				step.Omit[i] = true
			}
		}
		qp.Joins = append(qp.Joins, step)
		layout = step.Columns
	}

	for _, m := range p.Mappings {
		src := indexOf(layout, qualify(m.Column.Table, m.Column.Column))
		if src < 0 {
			return nil, invalid(p.Name, "output column %s is lost by the joins", m.Column)
		}
		qp.Output = append(qp.Output, OutputColumn{Source: src, Name: m.OutputName()})
	}

	qp.Plan = NewPlan(catalog.ActionNone, append(logins, steps...)...)
	return qp, nil
}

// joinOrder normalizes joins so each one adds a new table on the right, and
// returns the table indices in the order they enter the join.
func (o *optimizer) joinOrder() ([]catalog.Join, []int, error) {
	p := o.pipe
	index := func(alias string) int {
		for i, t := range p.Tables {
			if t.Alias == alias {
				return i
			}
		}
		return -1
	}

	if len(p.Joins) == 0 {
		if len(p.Tables) > 1 {
			return nil, nil, invalid(p.Name, "%d tables but no joins", len(p.Tables))
		}
		return nil, []int{0}, nil
	}

	joined := make(map[string]bool)
	var order []int
	var out []catalog.Join
	for n, j := range p.Joins {
		li, ri := index(j.Left.Table), index(j.Right.Table)
		if li < 0 || ri < 0 {
			return nil, nil, invalid(p.Name, "join %s = %s refers to an undeclared table", j.Left, j.Right)
		}
		if n == 0 {
			joined[j.Left.Table] = true
			order = append(order, li)
		}
		switch {
		case joined[j.Left.Table] && !joined[j.Right.Table]:
		case joined[j.Right.Table] && !joined[j.Left.Table]:
			j = swapJoin(j)
			ri = index(j.Right.Table)
		default:
			return nil, nil, invalid(p.Name, "join %s = %s must connect exactly one new table", j.Left, j.Right)
		}
		joined[j.Right.Table] = true
		order = append(order, ri)
		out = append(out, j)
	}
	if len(order) != len(p.Tables) {
		for _, t := range p.Tables {
			if !joined[t.Alias] {
				return nil, nil, invalid(p.Name, "table %s is not joined", t.Alias)
			}
		}
	}
	return out, order, nil
}

func swapJoin(j catalog.Join) catalog.Join {
	j.Left, j.Right = j.Right, j.Left
	switch j.Type {
	case catalog.JoinLeft:
		j.Type = catalog.JoinRight
	case catalog.JoinRight:
		j.Type = catalog.JoinLeft
	}
	return j
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
