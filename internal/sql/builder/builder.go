// Package builder turns a table, its column bindings and its metadata into an
// executable statement. Dialect detail stays behind the StatementBuilder
// interface; Generic covers the placeholder and quoting differences of the
// back-ends this module registers.
package builder

import (
	"context"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/record"
)

type Kind uint8

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
	KindSelect
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "SELECT"
	}
}

func KindFor(a catalog.Action) Kind {
	switch a {
	case catalog.ActionUpdate:
		return KindUpdate
	case catalog.ActionDelete:
		return KindDelete
	default:
		return KindInsert
	}
}

// Binding pairs a column with the extractor that produces its value. Select
// output columns carry no extractor.
type Binding struct {
	Column string
	Type   record.ColumnType
	Value  extract.Extractor
}

type Spec struct {
	Kind  Kind
	Table string
	// Columns is the INSERT column list, the UPDATE SET list or the SELECT
	// output list.
	Columns []Binding
	// Keys become "column = ?" terms of the WHERE clause.
	Keys    []Binding
	OrderBy []string
}

// Conn is one back-end connection as the request execution context exposes it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (int64, error)
	QueryContext(ctx context.Context, query string, args ...any) (record.Cursor, error)
}

type Statement interface {
	Kind() Kind
	Table() string
	SQL() string
	BoundExtractors() []extract.Extractor
	// Execute binds the extractors against src and runs the statement,
	// returning the number of rows affected.
	Execute(ctx context.Context, conn Conn, src extract.Source) (int64, error)
}

// Query is a Statement that yields rows.
type Query interface {
	Statement
	Columns() []string
	Open(ctx context.Context, conn Conn, src extract.Source) (record.Cursor, error)
}

type StatementBuilder interface {
	Build(spec Spec, meta *catalog.TableMeta) (Statement, error)
}
