package record

import "strings"

type ColumnType uint8

const (
	ColUnknown ColumnType = iota
	ColInt32
	ColInt64
	ColBool
	ColFloat64
	ColText  // UTF-8
	ColBytes // opaque bytes
	ColTime
	ColDecimal
)

func (t ColumnType) String() string {
	switch t {
	case ColInt32:
		return "INT32"
	case ColInt64:
		return "INT64"
	case ColBool:
		return "BOOL"
	case ColFloat64:
		return "FLOAT64"
	case ColText:
		return "TEXT"
	case ColBytes:
		return "BYTES"
	case ColTime:
		return "TIME"
	case ColDecimal:
		return "DECIMAL"
	default:
		return "UNKNOWN"
	}
}

// TypeFromSQL maps a back-end type name (as reported by information_schema or
// PRAGMA table_info) onto a ColumnType. Length and precision suffixes are ignored.
func TypeFromSQL(name string) ColumnType {
	n := strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = strings.TrimSpace(n[:i])
	}
	switch n {
	case "SMALLINT", "INT2", "TINYINT", "MEDIUMINT", "INT4", "SERIAL":
		return ColInt32
	case "INT", "INTEGER", "BIGINT", "INT8", "BIGSERIAL":
		return ColInt64
	case "BOOL", "BOOLEAN", "BIT":
		return ColBool
	case "REAL", "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION":
		return ColFloat64
	case "NUMERIC", "DECIMAL", "MONEY":
		return ColDecimal
	case "CHAR", "VARCHAR", "NCHAR", "NVARCHAR", "TEXT", "NTEXT", "CHARACTER VARYING",
		"CHARACTER", "CLOB", "LONGTEXT", "MEDIUMTEXT", "UUID", "XML", "JSON", "JSONB":
		return ColText
	case "BLOB", "BYTEA", "BINARY", "VARBINARY", "IMAGE", "LONGBLOB":
		return ColBytes
	case "DATE", "TIME", "DATETIME", "DATETIME2", "TIMESTAMP", "TIMESTAMPTZ",
		"TIMESTAMP WITH TIME ZONE", "TIMESTAMP WITHOUT TIME ZONE":
		return ColTime
	default:
		return ColUnknown
	}
}

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

type Schema struct {
	Cols []Column
}

func (s Schema) NumCols() int { return len(s.Cols) }

// Index returns the position of the named column (case-insensitive), or -1.
func (s Schema) Index(name string) int {
	for i := range s.Cols {
		if strings.EqualFold(s.Cols[i].Name, name) {
			return i
		}
	}
	return -1
}
