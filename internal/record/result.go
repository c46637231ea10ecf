package record

// Result is a fully materialized rowset.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Cursor returns a cursor over the result so a materialized join can feed the
// next join as its left side.
func (r *Result) Cursor() Cursor {
	return NewSliceCursor(r.Columns, r.Rows)
}

// ColumnIndex returns the position of name in Columns, or -1.
func (r *Result) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}
