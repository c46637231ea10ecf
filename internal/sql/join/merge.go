package join

import (
	"context"
	"slices"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/record"
)

// checkEvery is how many loop iterations pass between context checks.
const checkEvery = 1024

// Spec describes one binary join. Both cursors must be ordered ascending on
// their key column; null keys may appear anywhere and never match.
type Spec struct {
	LeftKey  int
	RightKey int
	Type     catalog.JoinType
	// Omit flags combined columns (left then right) that are dropped.
	Omit []bool
	// Columns renames the retained columns when set.
	Columns []string
	// Capacity pre-sizes the column store.
	Capacity int
}

func (s Spec) leftOuter() bool {
	return s.Type == catalog.JoinLeft || s.Type == catalog.JoinFull
}

func (s Spec) rightOuter() bool {
	return s.Type == catalog.JoinRight || s.Type == catalog.JoinFull
}

// MergeJoin joins two ordered cursors and closes both. On any cursor error
// no rows are returned.
func MergeJoin(ctx context.Context, left, right record.Cursor, spec Spec) (res *record.Result, err error) {
	if left == nil || right == nil {
		return nil, errors.New("join: merge join needs two cursors")
	}
	defer func() {
		if cerr := left.Close(); cerr != nil && err == nil {
			res, err = nil, errors.Wrap(cerr, "join: close left cursor")
		}
		if cerr := right.Close(); cerr != nil && err == nil {
			res, err = nil, errors.Wrap(cerr, "join: close right cursor")
		}
	}()

	nl, nr := len(left.Columns()), len(right.Columns())
	if spec.LeftKey < 0 || spec.LeftKey >= nl {
		return nil, errors.Errorf("join: left key %d out of range [0,%d)", spec.LeftKey, nl)
	}
	if spec.RightKey < 0 || spec.RightKey >= nr {
		return nil, errors.Errorf("join: right key %d out of range [0,%d)", spec.RightKey, nr)
	}

	b, err := NewBuffer(left, right, spec.Capacity)
	if err != nil {
		return nil, err
	}
	if spec.Omit != nil {
		if err := b.SetOmit(spec.Omit); err != nil {
			return nil, err
		}
	}
	if spec.Columns != nil && len(spec.Columns) != len(b.Columns()) {
		return nil, errors.Errorf("join: %d column names for %d retained columns", len(spec.Columns), len(b.Columns()))
	}

	var (
		markKey any
		marked  bool
		ticks   int
	)
	for b.Left() != nil || b.Right() != nil {
		ticks++
		if ticks%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		l, r := b.Left(), b.Right()
		if l == nil {
			if spec.rightOuter() {
				b.AddRowNullLeft()
			}
			if _, err := b.ReadRight(); err != nil {
				return nil, err
			}
			continue
		}

		lk := l[spec.LeftKey]
		if lk == nil {
			if spec.leftOuter() {
				b.AddRowNullRight()
			}
			if _, err := b.ReadLeft(); err != nil {
				return nil, err
			}
			continue
		}

		// A left row repeating the previous key reuses the marked span.
		if marked && record.Equal(lk, markKey) {
			if err := b.ReprocessMarkedRows(); err != nil {
				return nil, err
			}
			if _, err := b.ReadLeft(); err != nil {
				return nil, err
			}
			continue
		}

		if r == nil {
			if spec.leftOuter() {
				b.AddRowNullRight()
			}
			if _, err := b.ReadLeft(); err != nil {
				return nil, err
			}
			continue
		}

		rk := r[spec.RightKey]
		if rk == nil {
			if spec.rightOuter() {
				b.AddRowNullLeft()
			}
			if _, err := b.ReadRight(); err != nil {
				return nil, err
			}
			continue
		}

		switch c := record.Compare(lk, rk); {
		case c < 0:
			if spec.leftOuter() {
				b.AddRowNullRight()
			}
			if _, err := b.ReadLeft(); err != nil {
				return nil, err
			}
		case c > 0:
			if spec.rightOuter() {
				b.AddRowNullLeft()
			}
			if _, err := b.ReadRight(); err != nil {
				return nil, err
			}
		default:
			b.BeginMark()
			for b.Right() != nil && record.Equal(lk, b.Right()[spec.RightKey]) {
				b.AddRow()
				if _, err := b.ReadRight(); err != nil {
					return nil, err
				}
			}
			b.EndMark()
			markKey, marked = lk, true
			if _, err := b.ReadLeft(); err != nil {
				return nil, err
			}
		}
	}

	out := b.Result()
	if spec.Columns != nil {
		out.Columns = append([]string(nil), spec.Columns...)
	}
	return out, nil
}

// SortedCursor returns a cursor over res ordered by column key, nulls first.
// The result rows are reordered in place.
func SortedCursor(res *record.Result, key int) record.Cursor {
	slices.SortStableFunc(res.Rows, func(a, b []any) int {
		return record.Compare(a[key], b[key])
	})
	return res.Cursor()
}
