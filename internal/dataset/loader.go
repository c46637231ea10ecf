// Package dataset turns data-set configuration into the immutable objects
// requests run against: pipes, plans, transaction sets and cachers.
package dataset

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal"
	"github.com/tuannm99/novads/internal/cache"
	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/sql/executor"
	"github.com/tuannm99/novads/internal/sql/planner"
)

var ErrUnknownDataset = errors.New("dataset: unknown data set")

// Deps are the process-wide collaborators shared by every data set.
type Deps struct {
	// Metadata describes back-end tables. Static metadata from the data-set
	// configuration is consulted first.
	Metadata catalog.MetadataProvider
	Builder  planner.BuilderFunc
	// Store is the shared artifact store. Nil disables caching.
	Store      *cache.Store
	Authorizer executor.Authorizer
	Metrics    *executor.Metrics
}

// Dataset is one loaded data set. It is never mutated after Load.
type Dataset struct {
	Name  string
	Pipe  *catalog.Pipe
	Query *planner.QueryPlan
	Tx    *executor.TransactionSet
	// Cacher is nil when the data set is not cached.
	Cacher *cache.Cacher
	// Flushes names the data sets whose caches a successful update clears.
	Flushes []string
}

func (d *Dataset) Kind() catalog.PipeKind { return d.Pipe.Kind }

type Set struct {
	byName map[string]*Dataset
	names  []string
}

// Load builds every data set. Any validation or dependency error aborts the
// whole load; no partial set is returned.
func Load(ctx context.Context, cfgs []internal.DatasetConfig, deps Deps) (*Set, error) {
	if deps.Builder == nil {
		return nil, errors.New("dataset: no statement builder")
	}
	log := slog.Default().With("component", "dataset")
	meta := catalog.Chain{StaticMetadata(cfgs), deps.Metadata}

	s := &Set{byName: make(map[string]*Dataset, len(cfgs))}
	for _, cfg := range cfgs {
		if _, dup := s.byName[cfg.Name]; dup {
			return nil, errors.Errorf("dataset: %q declared twice", cfg.Name)
		}
		d, err := load(ctx, cfg, meta, deps)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset %q", cfg.Name)
		}
		s.byName[cfg.Name] = d
		s.names = append(s.names, cfg.Name)
	}

	for _, cfg := range cfgs {
		for _, target := range cfg.FlushOnUpdate {
			src, ok := s.byName[target]
			if !ok {
				return nil, errors.Wrapf(ErrUnknownDataset, "%q flushes on %q", cfg.Name, target)
			}
			if src.Pipe.Kind != catalog.PipeUpdate {
				return nil, errors.Errorf("dataset: %q flushes on %q, which is not an update data set", cfg.Name, target)
			}
			src.Flushes = append(src.Flushes, cfg.Name)
		}
	}
	sort.Strings(s.names)

	for _, name := range s.names {
		d := s.byName[name]
		log.Info("data set loaded", "dataset", name, "kind", kindName(d.Pipe.Kind),
			"tables", len(d.Pipe.Tables), "cached", d.Cacher != nil)
	}
	return s, nil
}

func load(ctx context.Context, cfg internal.DatasetConfig, meta catalog.MetadataProvider, deps Deps) (*Dataset, error) {
	pipe, err := BuildPipe(cfg)
	if err != nil {
		return nil, err
	}
	in := planner.Input{Pipe: pipe, Metadata: meta, Builder: deps.Builder}
	d := &Dataset{Name: cfg.Name, Pipe: pipe}

	switch pipe.Kind {
	case catalog.PipeQuery:
		if d.Query, err = planner.BuildQueryPlan(ctx, in); err != nil {
			return nil, err
		}
	case catalog.PipeUpdate:
		if d.Tx, err = transactionSet(ctx, cfg, in, deps); err != nil {
			return nil, err
		}
	}

	if cfg.Cache != nil && deps.Store != nil {
		var bound []extract.Extractor
		if d.Query != nil {
			bound = boundExtractors(d.Query.Plan)
		}
		if d.Cacher, err = cacher(cfg, deps.Store, bound); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func kindName(k catalog.PipeKind) string {
	if k == catalog.PipeUpdate {
		return "update"
	}
	return "query"
}

func parseKind(s string) (catalog.PipeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "query":
		return catalog.PipeQuery, nil
	case "update":
		return catalog.PipeUpdate, nil
	default:
		return catalog.PipeQuery, errors.Errorf("dataset: unknown kind %q", s)
	}
}

// BuildPipe translates configuration into a pipe. Query mappings may omit
// their value; only selections bind request values on the query path.
func BuildPipe(cfg internal.DatasetConfig) (*catalog.Pipe, error) {
	kind, err := parseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	p := &catalog.Pipe{Name: cfg.Name, Kind: kind}
	for _, t := range cfg.Tables {
		p.Tables = append(p.Tables, catalog.Table{Alias: t.Alias, Name: t.Name, Backend: t.Backend})
	}

	if p.Mappings, err = mappings(cfg.Mappings, kind == catalog.PipeQuery); err != nil {
		return nil, err
	}
	if p.Selection, err = mappings(cfg.Selection, false); err != nil {
		return nil, err
	}
	for _, j := range cfg.Joins {
		left, err := catalog.ParseColumnRef(j.Left)
		if err != nil {
			return nil, err
		}
		right, err := catalog.ParseColumnRef(j.Right)
		if err != nil {
			return nil, err
		}
		jt, err := catalog.ParseJoinType(j.Type)
		if err != nil {
			return nil, err
		}
		p.Joins = append(p.Joins, catalog.Join{Left: left, Right: right, Type: jt})
	}

	if p.Sync.Keys, err = refs(cfg.Keys); err != nil {
		return nil, err
	}
	if p.Sync.Updatable, err = refs(cfg.Updatable); err != nil {
		return nil, err
	}
	for _, name := range cfg.Actions {
		a, err := catalog.ParseAction(name)
		if err != nil {
			return nil, err
		}
		switch a {
		case catalog.ActionInsert:
			p.Sync.Insert = true
		case catalog.ActionUpdate:
			p.Sync.Update = true
		case catalog.ActionDelete:
			p.Sync.Delete = true
		}
	}
	if kind == catalog.PipeUpdate && len(cfg.Actions) == 0 {
		p.Sync.Insert, p.Sync.Update, p.Sync.Delete = true, true, true
	}
	return p, nil
}

func mappings(cfgs []internal.MappingConfig, optionalValue bool) ([]catalog.Mapping, error) {
	out := make([]catalog.Mapping, 0, len(cfgs))
	for _, m := range cfgs {
		ref, err := catalog.ParseColumnRef(m.Column)
		if err != nil {
			return nil, err
		}
		var value extract.Extractor
		switch {
		case m.Value != "":
			if value, err = extract.Parse(m.Value); err != nil {
				return nil, errors.Wrapf(err, "mapping %s", ref)
			}
		case optionalValue:
			value = extract.Literal{}
		}
		out = append(out, catalog.Mapping{Column: ref, Value: value, Iterator: m.Iterator, Output: m.Output})
	}
	return out, nil
}

func refs(list []string) ([]catalog.ColumnRef, error) {
	out := make([]catalog.ColumnRef, 0, len(list))
	for _, s := range list {
		r, err := catalog.ParseColumnRef(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func transactionSet(ctx context.Context, cfg internal.DatasetConfig, in planner.Input, deps Deps) (*executor.TransactionSet, error) {
	gran, err := executor.ParseGranularity(cfg.Granularity, cfg.N)
	if err != nil {
		return nil, err
	}
	sel, err := selector(cfg.Action)
	if err != nil {
		return nil, err
	}

	o := executor.Options{
		Name:        cfg.Name,
		Granularity: gran,
		Action:      sel,
		RowPath:     cfg.RowPath,
		Authorizer:  deps.Authorizer,
		Metrics:     deps.Metrics,
	}
	slots := []struct {
		action catalog.Action
		plan   **planner.Plan
	}{
		{catalog.ActionInsert, &o.Insert},
		{catalog.ActionUpdate, &o.Update},
		{catalog.ActionDelete, &o.Delete},
	}
	for _, s := range slots {
		if !in.Pipe.Sync.Allows(s.action) {
			continue
		}
		if *s.plan, err = planner.BuildPlan(ctx, in, s.action); err != nil {
			return nil, err
		}
	}
	return executor.NewTransactionSet(o)
}

func selector(cfg internal.ActionConfig) (executor.ActionSelector, error) {
	sel := executor.ActionSelector{Field: cfg.Field}
	if cfg.Fixed != "" {
		a, err := catalog.ParseAction(cfg.Fixed)
		if err != nil {
			return sel, err
		}
		sel.Fixed = a
	}
	if len(cfg.Values) > 0 {
		sel.Values = make(map[string]catalog.Action, len(cfg.Values))
		for _, v := range cfg.Values {
			a, err := catalog.ParseAction(v.Action)
			if err != nil {
				return sel, errors.Wrapf(err, "discriminator %q", v.Value)
			}
			sel.Values[v.Value] = a
		}
	}
	if sel.Field == "" && sel.Fixed == catalog.ActionNone {
		return sel, errors.New("dataset: action needs a fixed action or a discriminator field")
	}
	return sel, nil
}

// boundExtractors lists the extractors the plan binds into SQL, first
// occurrence wins.
func boundExtractors(p *planner.Plan) []extract.Extractor {
	var out []extract.Extractor
	for _, st := range p.Statements() {
		out = append(out, st.Stmt.BoundExtractors()...)
	}
	return dedupExtractors(out)
}

func dedupExtractors(list []extract.Extractor) []extract.Extractor {
	seen := make(map[string]bool, len(list))
	out := make([]extract.Extractor, 0, len(list))
	for _, e := range list {
		if seen[e.String()] {
			continue
		}
		seen[e.String()] = true
		out = append(out, e)
	}
	return out
}

// cacher keys the rows tier on the bound extractors followed by the
// configured ones, so every value that reaches the SQL is part of the key.
func cacher(cfg internal.DatasetConfig, store *cache.Store, bound []extract.Extractor) (*cache.Cacher, error) {
	c := cfg.Cache
	policy, err := cache.ParsePolicy(c.Mode, c.At, c.Interval)
	if err != nil {
		return nil, err
	}
	configured, err := extract.ParseAll(c.Rows)
	if err != nil {
		return nil, err
	}
	rows := dedupExtractors(append(append([]extract.Extractor(nil), bound...), configured...))
	document, err := extract.ParseAll(c.Document)
	if err != nil {
		return nil, err
	}
	page, err := extract.ParseAll(c.Page)
	if err != nil {
		return nil, err
	}
	return cache.NewCacher(cfg.Name, store, cache.NewKeyer(cfg.Name, rows, document, page), policy), nil
}

// StaticMetadata collects the table descriptions declared in configuration.
func StaticMetadata(cfgs []internal.DatasetConfig) *catalog.StaticMetadata {
	sm := catalog.NewStaticMetadata()
	for _, cfg := range cfgs {
		for _, m := range cfg.Metadata {
			tm := &catalog.TableMeta{
				Name:        m.Table,
				PrimaryKey:  m.PrimaryKey,
				AutoUpdate:  m.AutoUpdate,
				RowEstimate: m.RowEstimate,
			}
			for _, fk := range m.ForeignKeys {
				tm.ForeignKeys = append(tm.ForeignKeys, catalog.ForeignKey{
					Columns: fk.Columns, RefTable: fk.RefTable, RefColumns: fk.RefColumns,
				})
			}
			sm.Add(m.Backend, tm)
		}
	}
	return sm
}

func (s *Set) Get(name string) (*Dataset, error) {
	d, ok := s.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDataset, "%q", name)
	}
	return d, nil
}

// Names returns the data set names in sorted order.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}
