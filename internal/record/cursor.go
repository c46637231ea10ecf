package record

// Cursor is a forward-only row source. Row returns a slice that is only valid
// until the next call to Next; callers that keep rows must copy them.
type Cursor interface {
	Columns() []string
	Next() bool
	Row() []any
	Err() error
	Close() error
}

var _ Cursor = (*SliceCursor)(nil)

// SliceCursor serves rows already held in memory.
type SliceCursor struct {
	cols   []string
	rows   [][]any
	pos    int
	closed bool
}

func NewSliceCursor(cols []string, rows [][]any) *SliceCursor {
	return &SliceCursor{cols: cols, rows: rows, pos: -1}
}

func (c *SliceCursor) Columns() []string { return c.cols }

func (c *SliceCursor) Next() bool {
	if c.closed || c.pos+1 >= len(c.rows) {
		c.pos = len(c.rows)
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Row() []any {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil
	}
	return c.rows[c.pos]
}

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close() error {
	c.closed = true
	return nil
}

// Drain reads every remaining row of c into a Result and closes it.
func Drain(c Cursor) (*Result, error) {
	defer func() { _ = c.Close() }()

	res := &Result{Columns: append([]string(nil), c.Columns()...)}
	for c.Next() {
		row := c.Row()
		cp := make([]any, len(row))
		copy(cp, row)
		res.Rows = append(res.Rows, cp)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
