package executor

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/doc"
	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/sql/planner"
)

type GranularityMode uint8

const (
	// GranularityNone runs every statement in auto-commit mode.
	GranularityNone GranularityMode = iota
	GranularityEachRow
	GranularityEveryN
	GranularityAllRows
)

// Granularity is how many input rows share one commit boundary.
type Granularity struct {
	Mode GranularityMode
	N    int
}

// ParseGranularity reads the configuration names none, each_row,
// every_n_rows (with n > 0) and all_rows.
func ParseGranularity(mode string, n int) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "none":
		return Granularity{Mode: GranularityNone}, nil
	case "each_row", "row":
		return Granularity{Mode: GranularityEachRow}, nil
	case "every_n_rows", "every_n":
		if n <= 0 {
			return Granularity{}, errors.Errorf("executor: granularity %s needs n > 0, got %d", mode, n)
		}
		return Granularity{Mode: GranularityEveryN, N: n}, nil
	case "all_rows", "all":
		return Granularity{Mode: GranularityAllRows}, nil
	default:
		return Granularity{}, errors.Errorf("executor: unknown granularity %q", mode)
	}
}

func (g Granularity) String() string {
	switch g.Mode {
	case GranularityEachRow:
		return "each_row"
	case GranularityEveryN:
		return "every_n_rows(" + strconv.Itoa(g.N) + ")"
	case GranularityAllRows:
		return "all_rows"
	default:
		return "none"
	}
}

// checkpoint reports whether a commit follows the row-th successful row.
// Skipped, unauthorized and failed rows do not advance the count.
func (g Granularity) checkpoint(row int) bool {
	switch g.Mode {
	case GranularityEachRow:
		return true
	case GranularityEveryN:
		return row%g.N == 0
	default:
		return false
	}
}

// ActionSelector picks the action of a row: Fixed, or the value found at
// Field below the row node. Values maps discriminator values to actions; any
// other value is parsed as an action name. Fixed is the fallback when the
// discriminator is missing.
type ActionSelector struct {
	Fixed  catalog.Action
	Field  string
	Values map[string]catalog.Action
}

func (s ActionSelector) Resolve(row *doc.Node) (catalog.Action, error) {
	if s.Field == "" {
		return s.Fixed, nil
	}
	v, ok := row.Value(s.Field)
	if !ok || v == "" {
		if s.Fixed != catalog.ActionNone {
			return s.Fixed, nil
		}
		return catalog.ActionNone, errors.Errorf("executor: row has no action at %q", s.Field)
	}
	if a, ok := s.Values[v]; ok {
		return a, nil
	}
	return catalog.ParseAction(v)
}

// Authorizer decides whether the caller in ctx may apply action to a row of
// a data set. A non-nil error denies the row.
type Authorizer interface {
	Authorize(ctx context.Context, dataset string, action catalog.Action, row *doc.Node) error
}

type AuthorizerFunc func(ctx context.Context, dataset string, action catalog.Action, row *doc.Node) error

func (f AuthorizerFunc) Authorize(ctx context.Context, dataset string, action catalog.Action, row *doc.Node) error {
	return f(ctx, dataset, action, row)
}

// State is the coordinator state of one execution.
type State uint8

const (
	StateIdle State = iota
	StateLoggedIn
	StateRowLoop
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateLoggedIn:
		return "logged_in"
	case StateRowLoop:
		return "row_loop"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "idle"
	}
}

// Summary counts what one execution did. Inserted, Updated and Deleted count
// rows whose statements all succeeded.
type Summary struct {
	Rows         int    `json:"rows"`
	Inserted     int    `json:"inserted"`
	Updated      int    `json:"updated"`
	Deleted      int    `json:"deleted"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
	RowsAffected int64  `json:"rows_affected"`
	State        string `json:"state"`
}

type Options struct {
	Name                   string
	Insert, Update, Delete *planner.Plan
	Granularity            Granularity
	Action                 ActionSelector
	// RowPath selects the row nodes below the document root. Empty means
	// the whole request is one row.
	RowPath    string
	Authorizer Authorizer
	Metrics    *Metrics
}

// TransactionSet runs the update plans of one data set. It is built once at
// load time and shared read-only by all requests.
type TransactionSet struct {
	name    string
	logins  []*planner.LoginStep
	plans   [4]*planner.Plan
	remap   [4][]planner.ConnKey
	gran    Granularity
	action  ActionSelector
	rowPath string
	auth    Authorizer
	metrics *Metrics
	log     *slog.Logger
}

func NewTransactionSet(o Options) (*TransactionSet, error) {
	if o.Granularity.Mode == GranularityEveryN && o.Granularity.N <= 0 {
		return nil, errors.Errorf("executor: data set %q: every_n_rows needs n > 0", o.Name)
	}
	ts := &TransactionSet{
		name:    o.Name,
		gran:    o.Granularity,
		action:  o.Action,
		rowPath: o.RowPath,
		auth:    o.Authorizer,
		metrics: o.Metrics,
		log:     slog.Default().With("component", "txset", "dataset", o.Name),
	}

	slots := []struct {
		action catalog.Action
		plan   *planner.Plan
	}{
		{catalog.ActionInsert, o.Insert},
		{catalog.ActionUpdate, o.Update},
		{catalog.ActionDelete, o.Delete},
	}
	keys := make(map[string]planner.ConnKey)
	havePlan := false
	for _, s := range slots {
		if s.plan == nil {
			continue
		}
		if s.plan.Action != s.action {
			return nil, errors.Errorf("executor: data set %q: %s plan given as %s plan", o.Name, s.plan.Action, s.action)
		}
		havePlan = true
		ts.plans[s.action] = s.plan

		logins := s.plan.Logins()
		remap := make([]planner.ConnKey, len(logins))
		for _, l := range logins {
			k, ok := keys[l.Backend]
			if !ok {
				k = planner.ConnKey(len(ts.logins))
				keys[l.Backend] = k
				ts.logins = append(ts.logins, &planner.LoginStep{Key: k, Backend: l.Backend})
			}
			if int(l.Key) >= len(remap) {
				remap = append(remap, make([]planner.ConnKey, int(l.Key)+1-len(remap))...)
			}
			remap[l.Key] = k
		}
		ts.remap[s.action] = remap
	}
	if !havePlan {
		return nil, errors.Errorf("executor: data set %q has no update plans", o.Name)
	}
	return ts, nil
}

func (ts *TransactionSet) Name() string             { return ts.name }
func (ts *TransactionSet) Granularity() Granularity { return ts.gran }

// Logins returns one login per distinct back-end across all plans.
func (ts *TransactionSet) Logins() []*planner.LoginStep {
	return append([]*planner.LoginStep(nil), ts.logins...)
}

func (ts *TransactionSet) Plan(a catalog.Action) *planner.Plan {
	if int(a) >= len(ts.plans) {
		return nil
	}
	return ts.plans[a]
}

// Execute logs in, runs every input row through its plan and commits or
// rolls back per the granularity. Per-row failures come back as one
// *FailureReport next to the summary; other errors mean nothing ran.
func (ts *TransactionSet) Execute(ctx context.Context, ed *ExecData, in *extract.Values) (*Summary, error) {
	if in == nil {
		in = &extract.Values{}
	}
	state := StateIdle
	sum := &Summary{State: state.String()}
	enter := func(s State) {
		state = s
		ts.log.Debug("transition", "state", s)
	}

	if err := ed.Login(ctx, ts.logins); err != nil {
		return sum, err
	}
	enter(StateLoggedIn)

	links := make([]Link, len(ts.logins))
	for i, l := range ts.logins {
		link, err := ed.Link(l.Key)
		if err != nil {
			return sum, err
		}
		links[i] = link
	}

	// Auto-commit is restored on every path, with a context that survives
	// cancellation of the request.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		for i, l := range links {
			if err := l.SetAutoCommit(cleanupCtx, true); err != nil {
				ts.log.Warn("restore auto-commit", "backend", ts.logins[i].Backend, "err", err)
			}
		}
	}()

	autoCommit := ts.gran.Mode == GranularityNone
	for i, l := range links {
		if err := l.SetAutoCommit(ctx, autoCommit); err != nil {
			return sum, &StatementError{Table: ts.logins[i].Backend, Err: err}
		}
	}

	report := &FailureReport{Dataset: ts.name}
	fail := func(row int, a catalog.Action, err error) {
		report.Failures = append(report.Failures, RowFailure{Row: row, Action: a, Err: err})
	}

	enter(StateRowLoop)
	deferred := false
	applied := 0
	for i, row := range ts.rows(in.Current) {
		if err := ctx.Err(); err != nil {
			fail(i, catalog.ActionNone, err)
			deferred = ts.gran.Mode != GranularityNone
			break
		}
		sum.Rows++

		action, err := ts.action.Resolve(row)
		if err != nil {
			fail(i, catalog.ActionNone, err)
			sum.Failed++
			ts.metrics.row(ts.name, "failed")
			continue
		}
		plan := ts.Plan(action)
		if plan == nil {
			sum.Skipped++
			ts.metrics.row(ts.name, "skipped")
			ts.log.Debug("no plan for row action, skipped", "row", i, "action", action)
			continue
		}
		if ts.auth != nil {
			if err := ts.auth.Authorize(ctx, ts.name, action, row); err != nil {
				var ae *AuthorizationError
				if !errors.As(err, &ae) {
					err = &AuthorizationError{Dataset: ts.name, Action: action, Reason: err.Error()}
				}
				fail(i, action, err)
				sum.Failed++
				ts.metrics.row(ts.name, "unauthorized")
				continue
			}
		}

		n, errs := ts.run(ctx, ed, action, plan.Steps(), in.WithNode(row))
		sum.RowsAffected += n
		if len(errs) == 0 {
			applied++
		}
		if len(errs) == 0 && ts.gran.checkpoint(applied) {
			if err := ts.commitAll(links); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			for _, err := range errs {
				fail(i, action, err)
			}
			sum.Failed++
			ts.metrics.row(ts.name, "failed")
			ts.log.Error("row failed", "row", i, "action", action, "errors", len(errs), "err", errs[0])

			if ts.gran.Mode == GranularityEachRow {
				ts.rollbackAll(links)
				continue
			}
			if ts.gran.Mode == GranularityNone {
				continue
			}
			deferred = true
			break
		}

		switch action {
		case catalog.ActionInsert:
			sum.Inserted++
		case catalog.ActionUpdate:
			sum.Updated++
		case catalog.ActionDelete:
			sum.Deleted++
		}
		ts.metrics.row(ts.name, action.String())
	}

	if deferred {
		ts.rollbackAll(links)
		enter(StateRolledBack)
	} else {
		if err := ts.commitAll(links); err != nil {
			fail(-1, catalog.ActionNone, err)
			ts.rollbackAll(links)
			enter(StateRolledBack)
		} else {
			enter(StateCommitted)
		}
	}
	sum.State = state.String()
	ts.log.Debug("execution done", "state", sum.State, "rows", sum.Rows, "failed", sum.Failed)

	if len(report.Failures) > 0 {
		return sum, report
	}
	return sum, nil
}

// rows returns the row nodes of a document. A request without a document or
// without a row path is a single row.
func (ts *TransactionSet) rows(root *doc.Node) []*doc.Node {
	if root == nil || ts.rowPath == "" {
		return []*doc.Node{root}
	}
	return root.Select(ts.rowPath)
}

// run executes steps in order. Outside GranularityNone the first failure
// stops the row.
func (ts *TransactionSet) run(ctx context.Context, ed *ExecData, action catalog.Action, steps []planner.Step, src *extract.Values) (int64, []error) {
	var (
		total int64
		errs  []error
	)
	stopOnError := ts.gran.Mode != GranularityNone
	remap := ts.remap[action]

	for _, s := range steps {
		switch st := s.(type) {
		case *planner.LoginStep:
			// Connected on entry.

		case *planner.StatementStep:
			link, err := ed.Link(remap[st.Key])
			var n int64
			if err == nil {
				n, err = st.Stmt.Execute(ctx, link, src)
			}
			if err != nil {
				errs = append(errs, &StatementError{Table: st.Table.Name, SQL: st.Stmt.SQL(), Err: err})
				if stopOnError {
					return total, errs
				}
				continue
			}
			total += n
			ts.log.Debug("statement", "table", st.Table.Name, "rows", n)

		case *planner.SubPlanStep:
			for _, child := range src.Current.Select(st.Iterator) {
				n, sub := ts.run(ctx, ed, action, st.Steps, src.WithNode(child))
				total += n
				errs = append(errs, sub...)
				if len(sub) > 0 && stopOnError {
					return total, errs
				}
			}

		default:
			return total, append(errs, errors.Errorf("executor: unsupported step %T", s))
		}
	}
	return total, errs
}

// commitAll commits every link and returns the first failure. Every link is
// attempted.
func (ts *TransactionSet) commitAll(links []Link) error {
	var first error
	for i, l := range links {
		if err := l.Commit(); err != nil {
			ts.metrics.tx(ts.name, "commit_failed")
			ts.log.Error("commit", "backend", ts.logins[i].Backend, "err", err)
			if first == nil {
				first = &StatementError{Table: ts.logins[i].Backend, SQL: "COMMIT", Err: err}
			}
			continue
		}
		ts.metrics.tx(ts.name, "commit")
	}
	return first
}

func (ts *TransactionSet) rollbackAll(links []Link) {
	for i, l := range links {
		if err := l.Rollback(); err != nil {
			ts.metrics.tx(ts.name, "rollback_failed")
			ts.log.Warn("rollback", "backend", ts.logins[i].Backend, "err", err)
			continue
		}
		ts.metrics.tx(ts.name, "rollback")
	}
}
