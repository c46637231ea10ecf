// Package join materializes binary joins of ordered row cursors.
package join

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/record"
)

var (
	ErrOmitAlreadySet = errors.New("join: omit flags already set")
	ErrOmitLength     = errors.New("join: omit flags do not match the combined column count")
	ErrBadMark        = errors.New("join: mark outside the buffered rows")
)

// Buffer holds a left and a right cursor, the current and peek-ahead row of
// each side and a columnar store of the joined rows produced so far.
//
// The peek row of a side is always one row ahead of its current row until the
// side is exhausted. Begin and end marks delimit a span of produced rows that
// ReprocessMarkedRows replays against a new left row.
type Buffer struct {
	left, right   record.Cursor
	nLeft, nRight int
	names         []string

	leftCur, leftNext   []any
	rightCur, rightNext []any

	omit    []bool
	omitSet bool
	// keep lists the combined column positions written to the store.
	keep []int
	cols [][]any
	size int
	hint int

	begin, end int
}

// NewBuffer reads the first two rows of each side so Left and Right already
// return the first rows. right may be nil for a single-cursor buffer.
func NewBuffer(left, right record.Cursor, capacity int) (*Buffer, error) {
	if left == nil {
		return nil, errors.New("join: nil left cursor")
	}
	b := &Buffer{left: left, right: right, hint: capacity}
	b.nLeft = len(left.Columns())
	b.names = append(b.names, left.Columns()...)
	if right != nil {
		b.nRight = len(right.Columns())
		b.names = append(b.names, right.Columns()...)
	}

	var err error
	if b.leftCur, err = fetch(left); err != nil {
		return nil, err
	}
	if b.leftCur != nil {
		if b.leftNext, err = fetch(left); err != nil {
			return nil, err
		}
	}
	if right != nil {
		if b.rightCur, err = fetch(right); err != nil {
			return nil, err
		}
		if b.rightCur != nil {
			if b.rightNext, err = fetch(right); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// fetch returns a copy of the next row, or nil once the cursor is exhausted.
func fetch(c record.Cursor) ([]any, error) {
	if c.Next() {
		row := c.Row()
		return append([]any(nil), row...), nil
	}
	if err := c.Err(); err != nil {
		return nil, errors.Wrap(err, "join: read cursor")
	}
	return nil, nil
}

func (b *Buffer) Left() []any      { return b.leftCur }
func (b *Buffer) PeekLeft() []any  { return b.leftNext }
func (b *Buffer) Right() []any     { return b.rightCur }
func (b *Buffer) PeekRight() []any { return b.rightNext }

// ReadLeft advances the left side by one row and reports whether a current
// row remains.
func (b *Buffer) ReadLeft() (bool, error) {
	b.leftCur = b.leftNext
	b.leftNext = nil
	if b.leftCur == nil {
		return false, nil
	}
	next, err := fetch(b.left)
	if err != nil {
		return false, err
	}
	b.leftNext = next
	return true, nil
}

func (b *Buffer) ReadRight() (bool, error) {
	if b.right == nil {
		return false, nil
	}
	b.rightCur = b.rightNext
	b.rightNext = nil
	if b.rightCur == nil {
		return false, nil
	}
	next, err := fetch(b.right)
	if err != nil {
		return false, err
	}
	b.rightNext = next
	return true, nil
}

// SetOmit flags combined columns (left then right) that are never stored. It
// may be called once, before any row is added.
func (b *Buffer) SetOmit(omit []bool) error {
	if b.omitSet || b.cols != nil {
		return ErrOmitAlreadySet
	}
	if len(omit) != b.nLeft+b.nRight {
		return errors.Wrapf(ErrOmitLength, "got %d flags for %d columns", len(omit), b.nLeft+b.nRight)
	}
	b.omit = append([]bool(nil), omit...)
	b.omitSet = true
	return nil
}

func (b *Buffer) alloc() {
	if b.cols != nil {
		return
	}
	for i := 0; i < b.nLeft+b.nRight; i++ {
		if b.omit != nil && b.omit[i] {
			continue
		}
		b.keep = append(b.keep, i)
	}
	b.cols = make([][]any, len(b.keep))
	for i := range b.cols {
		b.cols[i] = make([]any, 0, b.hint)
	}
}

// Columns names the stored columns.
func (b *Buffer) Columns() []string {
	b.alloc()
	out := make([]string, len(b.keep))
	for i, k := range b.keep {
		out[i] = b.names[k]
	}
	return out
}

func (b *Buffer) Len() int { return b.size }

func (b *Buffer) add(left, right []any) {
	b.alloc()
	for i, k := range b.keep {
		var v any
		if k < b.nLeft {
			if left != nil {
				v = left[k]
			}
		} else if right != nil {
			v = right[k-b.nLeft]
		}
		b.cols[i] = append(b.cols[i], v)
	}
	b.size++
}

// AddRow stores the current left row joined with the current right row.
func (b *Buffer) AddRow() { b.add(b.leftCur, b.rightCur) }

// AddRowNullLeft stores the current right row with a null left side.
func (b *Buffer) AddRowNullLeft() { b.add(nil, b.rightCur) }

// AddRowNullRight stores the current left row with a null right side.
func (b *Buffer) AddRowNullRight() { b.add(b.leftCur, nil) }

// BeginMark starts a new marked span at the end of the store.
func (b *Buffer) BeginMark() {
	b.begin = b.size
	b.end = b.size
}

// EndMark closes the marked span at the end of the store.
func (b *Buffer) EndMark() { b.end = b.size }

func (b *Buffer) Marked() int { return b.end - b.begin }

// ReprocessMarkedRows appends one row per marked row, pairing the current
// left row with the right-side columns already stored in the span. The right
// cursor is not read.
func (b *Buffer) ReprocessMarkedRows() error {
	if b.begin < 0 || b.begin > b.end || b.end > b.size {
		return errors.Wrapf(ErrBadMark, "begin=%d end=%d len=%d", b.begin, b.end, b.size)
	}
	if b.leftCur == nil {
		return errors.New("join: reprocess without a current left row")
	}
	b.alloc()
	for r := b.begin; r < b.end; r++ {
		for i, k := range b.keep {
			var v any
			if k < b.nLeft {
				v = b.leftCur[k]
			} else {
				v = b.cols[i][r]
			}
			b.cols[i] = append(b.cols[i], v)
		}
		b.size++
	}
	return nil
}

// Result transposes the store into rows.
func (b *Buffer) Result() *record.Result {
	res := &record.Result{Columns: b.Columns(), Rows: make([][]any, b.size)}
	for r := 0; r < b.size; r++ {
		row := make([]any, len(b.cols))
		for i := range b.cols {
			row[i] = b.cols[i][r]
		}
		res.Rows[r] = row
	}
	return res
}
