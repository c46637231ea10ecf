package planner

import (
	"strings"

	"github.com/tuannm99/novads/internal/catalog"
)

// dependencyGraph records, per table index, the tables it references through
// a foreign key. Those must be written before it on insert and update and
// removed after it on delete.
type dependencyGraph struct {
	names []string
	deps  []map[int]struct{}
}

func newDependencyGraph(tables []catalog.Table, metas []*catalog.TableMeta) *dependencyGraph {
	g := &dependencyGraph{
		names: make([]string, len(tables)),
		deps:  make([]map[int]struct{}, len(tables)),
	}
	byName := make(map[string][]int)
	for i, t := range tables {
		g.names[i] = t.Name
		g.deps[i] = make(map[int]struct{})
		byName[strings.ToLower(t.Name)] = append(byName[strings.ToLower(t.Name)], i)
	}
	for i, tm := range metas {
		if tm == nil {
			continue
		}
		for _, fk := range tm.ForeignKeys {
			for _, j := range byName[strings.ToLower(fk.RefTable)] {
				// A self reference orders rows within one table, not tables.
				if j != i && tables[j].Name != tables[i].Name {
					g.deps[i][j] = struct{}{}
				}
			}
		}
	}
	return g
}

// order returns table indices so that every table precedes the tables that
// depend on it, or follows them when reverse is set (delete). Ready tables are
// taken in declaration order, or reverse declaration order for delete.
func (g *dependencyGraph) order(reverse bool) ([]int, []int) {
	n := len(g.names)
	placed := make([]bool, n)
	out := make([]int, 0, n)

	ready := func(i int) bool {
		if reverse {
			// Everything that depends on i must already be gone.
			for j := 0; j < n; j++ {
				if _, ok := g.deps[j][i]; ok && !placed[j] {
					return false
				}
			}
			return true
		}
		for j := range g.deps[i] {
			if !placed[j] {
				return false
			}
		}
		return true
	}

	for len(out) < n {
		pick := -1
		if reverse {
			for i := n - 1; i >= 0; i-- {
				if !placed[i] && ready(i) {
					pick = i
					break
				}
			}
		} else {
			for i := 0; i < n; i++ {
				if !placed[i] && ready(i) {
					pick = i
					break
				}
			}
		}
		if pick < 0 {
			return out, g.cycle(placed)
		}
		placed[pick] = true
		out = append(out, pick)
	}
	return out, nil
}

// cycle finds one dependency cycle among the unplaced tables.
func (g *dependencyGraph) cycle(placed []bool) []int {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.names))
	var stack []int
	var found []int

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = grey
		stack = append(stack, i)
		for _, j := range g.sortedDeps(i) {
			if placed[j] {
				continue
			}
			switch color[j] {
			case grey:
				for k, s := range stack {
					if s == j {
						found = append(append([]int(nil), stack[k:]...), j)
						return true
					}
				}
			case white:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}

	for i := range g.names {
		if !placed[i] && color[i] == white && visit(i) {
			return found
		}
	}
	return nil
}

func (g *dependencyGraph) sortedDeps(i int) []int {
	out := make([]int, 0, len(g.deps[i]))
	for j := 0; j < len(g.names); j++ {
		if _, ok := g.deps[i][j]; ok {
			out = append(out, j)
		}
	}
	return out
}
