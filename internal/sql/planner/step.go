package planner

import (
	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/sql/builder"
)

// ConnKey identifies one back-end connection slot of a plan. It is the index
// of the matching LoginStep.
type ConnKey int

// Step is one element of a plan: *LoginStep, *StatementStep or *SubPlanStep.
type Step interface {
	planStep()
}

type LoginStep struct {
	Key     ConnKey
	Backend string
}

func (*LoginStep) planStep() {}

type StatementStep struct {
	Key   ConnKey
	Table catalog.Table
	Stmt  builder.Statement
}

func (*StatementStep) planStep() {}

// SubPlanStep runs Steps once for every node Iterator selects below the
// current row node.
type SubPlanStep struct {
	Iterator string
	Steps    []Step
}

func (*SubPlanStep) planStep() {}

// Plan is an ordered, immutable step list. Logins come first; statements
// follow in dependency order.
type Plan struct {
	Action catalog.Action
	steps  []Step
}

func NewPlan(action catalog.Action, steps ...Step) *Plan {
	return &Plan{Action: action, steps: append([]Step(nil), steps...)}
}

// Steps returns a copy of the step list.
func (p *Plan) Steps() []Step {
	if p == nil {
		return nil
	}
	return append([]Step(nil), p.steps...)
}

func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

func (p *Plan) Logins() []*LoginStep {
	var out []*LoginStep
	for _, s := range p.Steps() {
		if l, ok := s.(*LoginStep); ok {
			out = append(out, l)
		}
	}
	return out
}

// Statements flattens sub-plans and returns every statement step in order.
func (p *Plan) Statements() []*StatementStep {
	if p == nil {
		return nil
	}
	return flatten(p.steps, nil)
}

func flatten(steps []Step, out []*StatementStep) []*StatementStep {
	for _, s := range steps {
		switch st := s.(type) {
		case *StatementStep:
			out = append(out, st)
		case *SubPlanStep:
			out = flatten(st.Steps, out)
		}
	}
	return out
}

// Tables lists statement tables in execution order, one entry per statement.
func (p *Plan) Tables() []string {
	stmts := p.Statements()
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.Table.Name
	}
	return out
}
