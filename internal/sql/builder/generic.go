package builder

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/record"
)

var (
	ErrNoColumns = errors.New("builder: statement has no columns")
	ErrNoKeys    = errors.New("builder: statement has no key columns")
	ErrNotQuery  = errors.New("builder: statement does not return rows")
)

type Placeholder uint8

const (
	PlaceholderQuestion Placeholder = iota // ?
	PlaceholderDollar                      // $1
	PlaceholderAtP                         // @p1
)

type Quote uint8

const (
	QuoteNone Quote = iota
	QuoteANSI
	QuoteBacktick
	QuoteBracket
)

type Dialect struct {
	Placeholder Placeholder
	Quote       Quote
}

// DialectFor picks placeholder and quoting rules for a database/sql driver name.
func DialectFor(driver string) Dialect {
	switch strings.ToLower(driver) {
	case "postgres", "pgx":
		return Dialect{Placeholder: PlaceholderDollar, Quote: QuoteANSI}
	case "mysql":
		return Dialect{Placeholder: PlaceholderQuestion, Quote: QuoteBacktick}
	case "sqlserver", "mssql":
		return Dialect{Placeholder: PlaceholderAtP, Quote: QuoteBracket}
	case "sqlite", "sqlite3":
		return Dialect{Placeholder: PlaceholderQuestion, Quote: QuoteANSI}
	default:
		return Dialect{}
	}
}

func (d Dialect) param(n int) string {
	switch d.Placeholder {
	case PlaceholderDollar:
		return "$" + strconv.Itoa(n)
	case PlaceholderAtP:
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

func (d Dialect) ident(s string) string {
	switch d.Quote {
	case QuoteANSI:
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	case QuoteBacktick:
		return "`" + strings.ReplaceAll(s, "`", "``") + "`"
	case QuoteBracket:
		return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
	default:
		return s
	}
}

var _ StatementBuilder = Generic{}

type Generic struct {
	Dialect Dialect
}

func (g Generic) Build(spec Spec, meta *catalog.TableMeta) (Statement, error) {
	spec = withMetaTypes(spec, meta)

	var (
		b     strings.Builder
		binds []Binding
		n     int
	)
	next := func() string {
		n++
		return g.Dialect.param(n)
	}
	writeWhere := func() {
		if len(spec.Keys) == 0 {
			return
		}
		b.WriteString(" WHERE ")
		for i, k := range spec.Keys {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(g.Dialect.ident(k.Column))
			b.WriteString(" = ")
			b.WriteString(next())
			binds = append(binds, k)
		}
	}
	table := g.Dialect.ident(spec.Table)

	switch spec.Kind {
	case KindInsert:
		if len(spec.Columns) == 0 {
			return nil, errors.Wrapf(ErrNoColumns, "insert into %s", spec.Table)
		}
		cols := make([]string, len(spec.Columns))
		params := make([]string, len(spec.Columns))
		for i, c := range spec.Columns {
			cols[i] = g.Dialect.ident(c.Column)
			params[i] = next()
		}
		binds = append(binds, spec.Columns...)
		b.WriteString("INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(params, ", ") + ")")

	case KindUpdate:
		if len(spec.Columns) == 0 {
			return nil, errors.Wrapf(ErrNoColumns, "update %s", spec.Table)
		}
		if len(spec.Keys) == 0 {
			return nil, errors.Wrapf(ErrNoKeys, "update %s", spec.Table)
		}
		b.WriteString("UPDATE " + table + " SET ")
		for i, c := range spec.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(g.Dialect.ident(c.Column) + " = " + next())
		}
		binds = append(binds, spec.Columns...)
		writeWhere()

	case KindDelete:
		if len(spec.Keys) == 0 {
			return nil, errors.Wrapf(ErrNoKeys, "delete from %s", spec.Table)
		}
		b.WriteString("DELETE FROM " + table)
		writeWhere()

	case KindSelect:
		if len(spec.Columns) == 0 {
			return nil, errors.Wrapf(ErrNoColumns, "select from %s", spec.Table)
		}
		cols := make([]string, len(spec.Columns))
		for i, c := range spec.Columns {
			cols[i] = g.Dialect.ident(c.Column)
		}
		b.WriteString("SELECT " + strings.Join(cols, ", ") + " FROM " + table)
		writeWhere()
		if len(spec.OrderBy) > 0 {
			order := make([]string, len(spec.OrderBy))
			for i, o := range spec.OrderBy {
				order[i] = g.Dialect.ident(o)
			}
			b.WriteString(" ORDER BY " + strings.Join(order, ", "))
		}
		out := make([]string, len(spec.Columns))
		for i, c := range spec.Columns {
			out[i] = c.Column
		}
		return &query{stmt: stmt{kind: spec.Kind, table: spec.Table, text: b.String(), binds: binds}, columns: out}, nil

	default:
		return nil, errors.Errorf("builder: unsupported statement kind %d", spec.Kind)
	}

	return &stmt{kind: spec.Kind, table: spec.Table, text: b.String(), binds: binds}, nil
}

// withMetaTypes fills binding types the caller left unknown from metadata.
func withMetaTypes(spec Spec, meta *catalog.TableMeta) Spec {
	if meta == nil {
		return spec
	}
	fill := func(in []Binding) []Binding {
		out := make([]Binding, len(in))
		for i, b := range in {
			if b.Type == record.ColUnknown {
				if c, ok := meta.Column(b.Column); ok {
					b.Type = c.Type
				}
			}
			out[i] = b
		}
		return out
	}
	spec.Columns = fill(spec.Columns)
	spec.Keys = fill(spec.Keys)
	return spec
}

var _ Statement = (*stmt)(nil)

type stmt struct {
	kind  Kind
	table string
	text  string
	binds []Binding
}

func (s *stmt) Kind() Kind     { return s.kind }
func (s *stmt) Table() string  { return s.table }
func (s *stmt) SQL() string    { return s.text }
func (s *stmt) String() string { return s.text }

func (s *stmt) BoundExtractors() []extract.Extractor {
	out := make([]extract.Extractor, 0, len(s.binds))
	for _, b := range s.binds {
		if b.Value != nil {
			out = append(out, b.Value)
		}
	}
	return out
}

func (s *stmt) args(src extract.Source) ([]any, error) {
	args := make([]any, len(s.binds))
	for i, b := range s.binds {
		if b.Value == nil {
			continue
		}
		v, err := b.Value.Extract(src)
		if err != nil {
			return nil, errors.Wrapf(err, "builder: bind %s.%s", s.table, b.Column)
		}
		if args[i], err = Coerce(v, b.Type); err != nil {
			return nil, errors.Wrapf(err, "builder: bind %s.%s", s.table, b.Column)
		}
	}
	return args, nil
}

func (s *stmt) Execute(ctx context.Context, conn Conn, src extract.Source) (int64, error) {
	args, err := s.args(src)
	if err != nil {
		return 0, err
	}
	return conn.ExecContext(ctx, s.text, args...)
}

var _ Query = (*query)(nil)

type query struct {
	stmt
	columns []string
}

func (q *query) Columns() []string { return q.columns }

func (q *query) Open(ctx context.Context, conn Conn, src extract.Source) (record.Cursor, error) {
	args, err := q.args(src)
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, q.text, args...)
}

// Execute on a query drains it and reports the row count.
func (q *query) Execute(ctx context.Context, conn Conn, src extract.Source) (int64, error) {
	cur, err := q.Open(ctx, conn, src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = cur.Close() }()
	var n int64
	for cur.Next() {
		n++
	}
	return n, cur.Err()
}
