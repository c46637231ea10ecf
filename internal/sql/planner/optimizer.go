package planner

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/sql/builder"
)

// BuilderFunc returns the statement builder for a back-end.
type BuilderFunc func(backend string) (builder.StatementBuilder, error)

// Input is everything a plan is derived from. Building is deterministic for
// identical input.
type Input struct {
	Pipe *catalog.Pipe
	// Metadata may be nil. Without it tables run in declared order.
	Metadata catalog.MetadataProvider
	Builder  BuilderFunc
}

// tableGroup is one (table, iterator) pair: the unit a statement is built for.
type tableGroup struct {
	table    int
	iterator string
	mappings []catalog.Mapping
}

type optimizer struct {
	in    Input
	pipe  *catalog.Pipe
	metas []*catalog.TableMeta
	// ordered is false when some table has no metadata.
	ordered bool
}

// BuildPlan turns a pipe into the ordered step list for one action type.
func BuildPlan(ctx context.Context, in Input, action catalog.Action) (*Plan, error) {
	o, err := newOptimizer(ctx, in)
	if err != nil {
		return nil, err
	}
	return o.build(action)
}

func newOptimizer(ctx context.Context, in Input) (*optimizer, error) {
	if in.Pipe == nil {
		return nil, errors.New("planner: nil pipe")
	}
	if in.Builder == nil {
		return nil, errors.New("planner: nil statement builder")
	}
	p := in.Pipe
	if len(p.Tables) == 0 {
		return nil, invalid(p.Name, "pipe contains no back-end tables")
	}

	seen := make(map[string]bool, len(p.Tables))
	for _, t := range p.Tables {
		if t.Alias == "" || t.Name == "" {
			return nil, invalid(p.Name, "table needs both alias and name (alias=%q name=%q)", t.Alias, t.Name)
		}
		if seen[t.Alias] {
			return nil, invalid(p.Name, "table alias %q declared twice", t.Alias)
		}
		seen[t.Alias] = true
	}
	for _, m := range append(append([]catalog.Mapping(nil), p.Mappings...), p.Selection...) {
		if !seen[m.Column.Table] {
			return nil, invalid(p.Name, "mapping %s refers to undeclared table %q", m.Column, m.Column.Table)
		}
		if m.Value == nil {
			return nil, invalid(p.Name, "mapping %s has no value", m.Column)
		}
	}

	o := &optimizer{in: in, pipe: p, metas: make([]*catalog.TableMeta, len(p.Tables)), ordered: true}
	for i, t := range p.Tables {
		if in.Metadata == nil {
			o.ordered = false
			continue
		}
		tm, err := in.Metadata.Table(ctx, t.Backend, t.Name)
		if errors.Is(err, catalog.ErrNoMetadata) {
			o.ordered = false
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "planner: metadata for %s", t.Name)
		}
		o.metas[i] = tm
	}
	return o, nil
}

func (o *optimizer) build(action catalog.Action) (*Plan, error) {
	if err := o.validateSync(); err != nil {
		return nil, err
	}
	order, err := o.tableOrder(action == catalog.ActionDelete)
	if err != nil {
		return nil, err
	}

	var stmts []Step
	var backends []string
	keys := make(map[string]ConnKey)

	for _, ti := range order {
		groups := o.groups(ti)
		if action == catalog.ActionDelete {
			reverseGroups(groups)
		}
		for _, g := range groups {
			st, err := o.statement(action, g)
			if err != nil {
				return nil, err
			}
			if st == nil {
				continue
			}
			t := o.pipe.Tables[ti]
			key, ok := keys[t.Backend]
			if !ok {
				key = ConnKey(len(backends))
				keys[t.Backend] = key
				backends = append(backends, t.Backend)
			}
			var step Step = &StatementStep{Key: key, Table: t, Stmt: st}
			if g.iterator != "" {
				step = &SubPlanStep{Iterator: g.iterator, Steps: []Step{step}}
			}
			stmts = append(stmts, step)
		}
	}

	steps := make([]Step, 0, len(backends)+len(stmts))
	for i, b := range backends {
		steps = append(steps, &LoginStep{Key: ConnKey(i), Backend: b})
	}
	steps = append(steps, mergeSubPlans(stmts)...)
	return NewPlan(action, steps...), nil
}

// validateSync checks the synchronizer's key and updatable column sets.
func (o *optimizer) validateSync() error {
	keys := make(map[catalog.ColumnRef]bool)
	for _, k := range o.pipe.Sync.Keys {
		keys[normRef(k)] = true
	}
	for _, u := range o.pipe.Sync.Updatable {
		if keys[normRef(u)] {
			return invalid(o.pipe.Name, "column %s is declared both updatable and key", u)
		}
	}
	for _, ref := range append(append([]catalog.ColumnRef(nil), o.pipe.Sync.Keys...), o.pipe.Sync.Updatable...) {
		if _, ok := o.pipe.Table(ref.Table); !ok {
			return invalid(o.pipe.Name, "synchronizer column %s refers to undeclared table %q", ref, ref.Table)
		}
		if _, ok := o.mapping(ref); !ok {
			return invalid(o.pipe.Name, "synchronizer column %s is not mapped", ref)
		}
	}
	return nil
}

func (o *optimizer) tableOrder(reverse bool) ([]int, error) {
	n := len(o.pipe.Tables)
	if !o.ordered {
		slog.Debug("planner: no dependency metadata, using declared table order",
			"pipe", o.pipe.Name, "reverse", reverse)
		out := make([]int, n)
		for i := range out {
			if reverse {
				out[i] = n - 1 - i
			} else {
				out[i] = i
			}
		}
		return out, nil
	}

	g := newDependencyGraph(o.pipe.Tables, o.metas)
	out, cyc := g.order(reverse)
	if len(out) < n {
		names := make([]string, 0, len(cyc))
		for _, i := range cyc {
			names = append(names, o.pipe.Tables[i].Name)
		}
		return nil, &CrossDependencyError{Pipe: o.pipe.Name, Tables: names}
	}
	return out, nil
}

// groups splits a table's mappings by iterator path, in order of first use.
func (o *optimizer) groups(ti int) []tableGroup {
	alias := o.pipe.Tables[ti].Alias
	var out []tableGroup
	idx := make(map[string]int)
	for _, m := range o.pipe.MappingsFor(alias) {
		i, ok := idx[m.Iterator]
		if !ok {
			i = len(out)
			idx[m.Iterator] = i
			out = append(out, tableGroup{table: ti, iterator: m.Iterator})
		}
		out[i].mappings = append(out[i].mappings, m)
	}
	return out
}

func reverseGroups(gs []tableGroup) {
	for i, j := 0, len(gs)-1; i < j; i, j = i+1, j-1 {
		gs[i], gs[j] = gs[j], gs[i]
	}
}

// statement builds the statement of one group, or returns nil when the group
// has nothing to send for this action.
func (o *optimizer) statement(action catalog.Action, g tableGroup) (builder.Statement, error) {
	t := o.pipe.Tables[g.table]
	meta := o.metas[g.table]

	seen := make(map[string]bool)
	for _, m := range g.mappings {
		c := strings.ToLower(m.Column.Column)
		if seen[c] {
			return nil, invalid(o.pipe.Name, "column %s is mapped twice", m.Column)
		}
		seen[c] = true
	}

	spec := builder.Spec{Kind: builder.KindFor(action), Table: t.Name}
	switch action {
	case catalog.ActionInsert:
		for _, m := range g.mappings {
			if meta != nil && meta.IsAutoUpdate(m.Column.Column) {
				continue
			}
			spec.Columns = append(spec.Columns, builder.Binding{Column: m.Column.Column, Value: m.Value})
		}
		if len(spec.Columns) == 0 {
			slog.Warn("planner: table has no insertable columns, skipping",
				"pipe", o.pipe.Name, "table", t.Name, "iterator", g.iterator)
			return nil, nil
		}

	case catalog.ActionUpdate, catalog.ActionDelete:
		keys, err := o.keyBindings(g)
		if err != nil {
			return nil, err
		}
		spec.Keys = keys
		if action == catalog.ActionUpdate {
			spec.Columns = o.updatable(g, keys)
			if len(spec.Columns) == 0 {
				slog.Info("planner: table has no updatable columns, skipping",
					"pipe", o.pipe.Name, "table", t.Name, "iterator", g.iterator)
				return nil, nil
			}
		}

	default:
		return nil, errors.Errorf("planner: cannot build a plan for action %s", action)
	}

	b, err := o.in.Builder(t.Backend)
	if err != nil {
		return nil, errors.Wrapf(err, "planner: builder for back-end %q", t.Backend)
	}
	st, err := b.Build(spec, meta)
	if err != nil {
		return nil, errors.Wrapf(err, "planner: pipe %q table %s", o.pipe.Name, t.Name)
	}
	return st, nil
}

// keyBindings resolves the WHERE columns of an update or delete: declared
// synchronizer keys, else the mapped primary-key columns from metadata.
func (o *optimizer) keyBindings(g tableGroup) ([]builder.Binding, error) {
	t := o.pipe.Tables[g.table]
	var refs []catalog.ColumnRef
	for _, k := range o.pipe.Sync.Keys {
		if k.Table == t.Alias {
			refs = append(refs, k)
		}
	}
	if len(refs) == 0 && o.metas[g.table] != nil {
		for _, pk := range o.metas[g.table].PrimaryKey {
			ref := catalog.ColumnRef{Table: t.Alias, Column: pk}
			if _, ok := o.mapping(ref); ok {
				refs = append(refs, ref)
			}
		}
	}
	if len(refs) == 0 {
		return nil, invalid(o.pipe.Name, "table %s has no key columns to locate rows", t.Name)
	}

	out := make([]builder.Binding, 0, len(refs))
	for _, ref := range refs {
		m, ok := o.groupMapping(g, ref)
		if !ok {
			return nil, invalid(o.pipe.Name, "key column %s is not mapped", ref)
		}
		out = append(out, builder.Binding{Column: m.Column.Column, Value: m.Value})
	}
	return out, nil
}

// updatable returns the SET list of a group: declared updatable columns, or
// every mapped non-key column when none are declared for the table.
func (o *optimizer) updatable(g tableGroup, keys []builder.Binding) []builder.Binding {
	t := o.pipe.Tables[g.table]
	meta := o.metas[g.table]

	declared := make(map[string]bool)
	for _, u := range o.pipe.Sync.Updatable {
		if u.Table == t.Alias {
			declared[strings.ToLower(u.Column)] = true
		}
	}
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[strings.ToLower(k.Column)] = true
	}

	var out []builder.Binding
	for _, m := range g.mappings {
		c := strings.ToLower(m.Column.Column)
		if len(declared) > 0 && !declared[c] {
			continue
		}
		if isKey[c] || (meta != nil && meta.IsAutoUpdate(m.Column.Column)) {
			continue
		}
		out = append(out, builder.Binding{Column: m.Column.Column, Value: m.Value})
	}
	return out
}

// groupMapping prefers the mapping inside the group, then the table's
// row-level mapping, so iterator statements can key on parent values.
func (o *optimizer) groupMapping(g tableGroup, ref catalog.ColumnRef) (catalog.Mapping, bool) {
	for _, m := range g.mappings {
		if strings.EqualFold(m.Column.Column, ref.Column) {
			return m, true
		}
	}
	for _, m := range o.pipe.MappingsFor(ref.Table) {
		if m.Iterator == "" && strings.EqualFold(m.Column.Column, ref.Column) {
			return m, true
		}
	}
	return catalog.Mapping{}, false
}

func (o *optimizer) mapping(ref catalog.ColumnRef) (catalog.Mapping, bool) {
	for _, m := range o.pipe.Mappings {
		if m.Column.Table == ref.Table && strings.EqualFold(m.Column.Column, ref.Column) {
			return m, true
		}
	}
	return catalog.Mapping{}, false
}

func normRef(r catalog.ColumnRef) catalog.ColumnRef {
	return catalog.ColumnRef{Table: r.Table, Column: strings.ToLower(r.Column)}
}

// mergeSubPlans folds adjacent sub-plans over the same iterator into one, so
// the iterator is walked once for all of their statements.
func mergeSubPlans(steps []Step) []Step {
	var out []Step
	for _, s := range steps {
		sp, ok := s.(*SubPlanStep)
		if ok && len(out) > 0 {
			if prev, ok := out[len(out)-1].(*SubPlanStep); ok && prev.Iterator == sp.Iterator {
				prev.Steps = append(prev.Steps, sp.Steps...)
				continue
			}
		}
		out = append(out, s)
	}
	return out
}
