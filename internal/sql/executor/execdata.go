// Package executor runs plans for one request: it owns the request's
// connections and cursors, drives update transactions and evaluates query
// plans.
package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novads/internal/extract"
	"github.com/tuannm99/novads/internal/record"
	"github.com/tuannm99/novads/internal/sql/builder"
	"github.com/tuannm99/novads/internal/sql/planner"
)

var (
	ErrReleased  = errors.New("executor: request context already released")
	ErrNoLink    = errors.New("executor: no connection for key")
	ErrNoContext = errors.New("executor: no saved result-set context")
)

// ExecData is the execution context of one request. It is not safe for
// concurrent use and must be released exactly once; Release is idempotent.
type ExecData struct {
	connector Connector
	log       *slog.Logger

	links    []Link
	backends []string
	cursors  []*trackedCursor

	// Row is the current row buffer of the request.
	Row []any

	saved    []snapshot
	released bool
}

// snapshot is a saved result-set context: the cursor depth and row buffer.
type snapshot struct {
	depth int
	row   []any
}

func NewExecData(c Connector) *ExecData {
	return &ExecData{connector: c, log: slog.Default().With("component", "execdata")}
}

// Login opens one link per login step. Steps for keys that are already
// connected are skipped; the rest connect in parallel.
func (ed *ExecData) Login(ctx context.Context, logins []*planner.LoginStep) error {
	if ed.released {
		return ErrReleased
	}
	for _, l := range logins {
		if int(l.Key) >= len(ed.links) {
			ed.links = append(ed.links, make([]Link, int(l.Key)+1-len(ed.links))...)
			ed.backends = append(ed.backends, make([]string, int(l.Key)+1-len(ed.backends))...)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range logins {
		if ed.links[l.Key] != nil {
			continue
		}
		l := l
		g.Go(func() error {
			link, err := ed.connector.Connect(gctx, l.Backend)
			if err != nil {
				return errors.Wrapf(err, "executor: login %q", l.Backend)
			}
			mu.Lock()
			ed.links[l.Key] = link
			ed.backends[l.Key] = l.Backend
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (ed *ExecData) Link(key planner.ConnKey) (Link, error) {
	if ed.released {
		return nil, ErrReleased
	}
	if int(key) < 0 || int(key) >= len(ed.links) || ed.links[key] == nil {
		return nil, errors.Wrapf(ErrNoLink, "key %d", key)
	}
	return ed.links[key], nil
}

// Links returns the open links in key order.
func (ed *ExecData) Links() []Link {
	var out []Link
	for _, l := range ed.links {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// Open runs q on the link for key and pushes the cursor on the request's
// cursor stack.
func (ed *ExecData) Open(ctx context.Context, key planner.ConnKey, q builder.Query, src extract.Source) (record.Cursor, error) {
	link, err := ed.Link(key)
	if err != nil {
		return nil, err
	}
	c, err := q.Open(ctx, link, src)
	if err != nil {
		return nil, err
	}
	tc := &trackedCursor{Cursor: c}
	ed.cursors = append(ed.cursors, tc)
	return tc, nil
}

// OpenCursors reports how many cursors are still open.
func (ed *ExecData) OpenCursors() int {
	n := 0
	for _, c := range ed.cursors {
		if !c.closed {
			n++
		}
	}
	return n
}

// Save records the current cursor depth and row buffer.
func (ed *ExecData) Save() {
	ed.saved = append(ed.saved, snapshot{depth: len(ed.cursors), row: ed.Row})
}

// Restore closes cursors opened since the matching Save and restores the row
// buffer.
func (ed *ExecData) Restore() error {
	if len(ed.saved) == 0 {
		return ErrNoContext
	}
	s := ed.saved[len(ed.saved)-1]
	ed.saved = ed.saved[:len(ed.saved)-1]
	ed.closeCursors(s.depth)
	ed.Row = s.row
	return nil
}

func (ed *ExecData) closeCursors(depth int) {
	for i := len(ed.cursors) - 1; i >= depth; i-- {
		if err := ed.cursors[i].Close(); err != nil {
			ed.log.Warn("close cursor", "err", err)
		}
	}
	ed.cursors = ed.cursors[:depth]
}

// Release closes cursors, then links (which close their prepared statements).
// Errors are logged and never stop the remaining resources from closing.
func (ed *ExecData) Release() {
	if ed.released {
		return
	}
	ed.released = true
	ed.closeCursors(0)
	ed.saved = nil
	for i, l := range ed.links {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			ed.log.Warn("close link", "backend", ed.backends[i], "err", err)
		}
		ed.links[i] = nil
	}
	ed.Row = nil
}

// trackedCursor makes Close idempotent so both the consumer and Release may
// close it.
type trackedCursor struct {
	record.Cursor
	closed bool
}

func (c *trackedCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Cursor.Close()
}
