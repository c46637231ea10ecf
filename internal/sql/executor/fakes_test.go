package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/record"
	"github.com/tuannm99/novads/internal/sql/builder"
	"github.com/tuannm99/novads/internal/sql/planner"
)

// journal is the ordered event log shared by the fake links of one test.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

var _ Link = (*fakeLink)(nil)

type fakeLink struct {
	backend    string
	j          *journal
	autoCommit bool
	// fail returns the error for a statement, or nil.
	fail func(query string, args []any) error
	// results serves queries whose text contains the key.
	results map[string]*record.Result
	closed  int
}

func (l *fakeLink) ExecContext(_ context.Context, q string, args ...any) (int64, error) {
	l.j.add("exec %s %s %v", l.backend, strings.Fields(q)[0], args)
	if l.fail != nil {
		if err := l.fail(q, args); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

func (l *fakeLink) QueryContext(_ context.Context, q string, args ...any) (record.Cursor, error) {
	l.j.add("query %s %v", l.backend, args)
	for k, res := range l.results {
		if strings.Contains(q, k) {
			return record.NewSliceCursor(res.Columns, res.Rows), nil
		}
	}
	return nil, errors.Errorf("fake: no result for %q", q)
}

func (l *fakeLink) SetAutoCommit(_ context.Context, on bool) error {
	l.j.add("autocommit %s %v", l.backend, on)
	l.autoCommit = on
	return nil
}

func (l *fakeLink) AutoCommit() bool { return l.autoCommit }

func (l *fakeLink) Commit() error {
	l.j.add("commit %s", l.backend)
	return nil
}

func (l *fakeLink) Rollback() error {
	l.j.add("rollback %s", l.backend)
	return nil
}

func (l *fakeLink) Close() error {
	l.closed++
	return nil
}

type fakeConnector struct {
	mu    sync.Mutex
	j     *journal
	links map[string]*fakeLink
	// refuse lists back-ends whose login fails.
	refuse map[string]bool
	fail   func(query string, args []any) error
	res    map[string]*record.Result
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{j: &journal{}, links: make(map[string]*fakeLink)}
}

func (c *fakeConnector) Connect(_ context.Context, backend string) (Link, error) {
	if c.refuse[backend] {
		return nil, errors.New("connection refused")
	}
	l := &fakeLink{backend: backend, j: c.j, autoCommit: true, fail: c.fail, results: c.res}
	c.mu.Lock()
	c.links[backend] = l
	c.mu.Unlock()
	return l, nil
}

func ref(s string) catalog.ColumnRef {
	r, err := catalog.ParseColumnRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

func mapping(col, spec string) catalog.Mapping {
	v, err := extract.Parse(spec)
	if err != nil {
		panic(err)
	}
	return catalog.Mapping{Column: ref(col), Value: v}
}

func genericBuilder(string) (builder.StatementBuilder, error) {
	return builder.Generic{}, nil
}

// ordersPipe maps <order id status> rows onto the orders table.
func ordersPipe() *catalog.Pipe {
	return &catalog.Pipe{
		Name:     "orders",
		Kind:     catalog.PipeUpdate,
		Tables:   []catalog.Table{{Alias: "o", Name: "orders", Backend: "main"}},
		Mappings: []catalog.Mapping{mapping("o.id", "node:@id"), mapping("o.status", "node:@status")},
		Sync: catalog.Synchronizer{
			Keys:   []catalog.ColumnRef{ref("o.id")},
			Insert: true, Update: true, Delete: true,
		},
	}
}

func plansFor(p *catalog.Pipe, actions ...catalog.Action) map[catalog.Action]*planner.Plan {
	out := make(map[catalog.Action]*planner.Plan)
	for _, a := range actions {
		pl, err := planner.BuildPlan(context.Background(), planner.Input{Pipe: p, Builder: genericBuilder}, a)
		if err != nil {
			panic(err)
		}
		out[a] = pl
	}
	return out
}

// failOnID fails statements whose first argument is id.
func failOnID(id string) func(string, []any) error {
	return func(_ string, args []any) error {
		if len(args) > 0 && fmt.Sprint(args[0]) == id {
			return errors.New("constraint violation")
		}
		return nil
	}
}
