// Package catalog describes data sets: which back-end tables a pipe touches,
// how request values map onto their columns, and what each table looks like.
package catalog

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/extract"
)

type Action uint8

const (
	ActionNone Action = iota
	ActionInsert
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "none"
	}
}

// ParseAction accepts the names used in configuration and in per-row
// discriminator values.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "i":
		return ActionInsert, nil
	case "update", "u":
		return ActionUpdate, nil
	case "delete", "d":
		return ActionDelete, nil
	default:
		return ActionNone, errors.Errorf("catalog: unknown action %q", s)
	}
}

type PipeKind uint8

const (
	PipeQuery PipeKind = iota
	PipeUpdate
)

type Table struct {
	Alias   string
	Name    string
	Backend string
}

// ColumnRef names a column through its table alias: "o.id".
type ColumnRef struct {
	Table  string
	Column string
}

func (c ColumnRef) String() string { return c.Table + "." + c.Column }

func ParseColumnRef(s string) (ColumnRef, error) {
	t, c, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || t == "" || c == "" {
		return ColumnRef{}, errors.Errorf("catalog: column reference %q is not alias.column", s)
	}
	return ColumnRef{Table: t, Column: c}, nil
}

// Mapping binds one column to a request value. Iterator, when set, is a path
// below the row node; the mapping is evaluated once per matching child.
// Output names the column in query results and defaults to Column.Column.
type Mapping struct {
	Column   ColumnRef
	Value    extract.Extractor
	Iterator string
	Output   string
}

func (m Mapping) OutputName() string {
	if m.Output != "" {
		return m.Output
	}
	return m.Column.Column
}

type JoinType uint8

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	case JoinRight:
		return "right"
	case JoinFull:
		return "full"
	default:
		return "unknown"
	}
}

func ParseJoinType(s string) (JoinType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inner":
		return JoinInner, nil
	case "left", "left outer":
		return JoinLeft, nil
	case "right", "right outer":
		return JoinRight, nil
	case "full", "full outer":
		return JoinFull, nil
	default:
		return JoinInner, errors.Errorf("catalog: unknown join type %q", s)
	}
}

type Join struct {
	Left  ColumnRef
	Right ColumnRef
	Type  JoinType
}

// Synchronizer declares how an update pipe writes back: the key columns used
// to locate rows, the columns an update may change, and the allowed actions.
type Synchronizer struct {
	Keys      []ColumnRef
	Updatable []ColumnRef
	Insert    bool
	Update    bool
	Delete    bool
}

func (s Synchronizer) Allows(a Action) bool {
	switch a {
	case ActionInsert:
		return s.Insert
	case ActionUpdate:
		return s.Update
	case ActionDelete:
		return s.Delete
	default:
		return false
	}
}

// Pipe is the declarative mapping between a request and a set of back-end
// tables. It is built once when a data set is loaded and never mutated.
type Pipe struct {
	Name     string
	Kind     PipeKind
	Tables   []Table
	Mappings []Mapping
	Sync     Synchronizer

	// Query pipes only.
	Joins     []Join
	Selection []Mapping
}

func (p *Pipe) Table(alias string) (Table, bool) {
	for _, t := range p.Tables {
		if t.Alias == alias {
			return t, true
		}
	}
	return Table{}, false
}

// MappingsFor returns the mappings of one table in declaration order.
func (p *Pipe) MappingsFor(alias string) []Mapping {
	var out []Mapping
	for _, m := range p.Mappings {
		if m.Column.Table == alias {
			out = append(out, m)
		}
	}
	return out
}
