package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/client"
	"github.com/tuannm99/novads/server/dswire"
)

// ---- History (own file) ----

type History struct {
	path  string
	lines []string
}

func NewHistory(path string) *History {
	return &History{path: path}
}

func (h *History) Load(max int) error {
	if h.path == "" {
		return nil
	}
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		h.lines = append(h.lines, s)
		if max > 0 && len(h.lines) > max {
			h.lines = h.lines[len(h.lines)-max:]
		}
	}
	return sc.Err()
}

func (h *History) Append(cmd string) error {
	cmd = compactOneLine(cmd)
	if cmd == "" || h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, cmd); err != nil {
		return err
	}
	h.lines = append(h.lines, cmd)
	return nil
}

func (h *History) Print(w io.Writer, last int) {
	if last <= 0 || last > len(h.lines) {
		last = len(h.lines)
	}
	start := len(h.lines) - last
	for i := start; i < len(h.lines); i++ {
		fmt.Fprintf(w, "%5d  %s\n", i+1, h.lines[i])
	}
}

func compactOneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ---- Commands ----

// commandComplete reports whether buf holds a ';' outside quotes.
func commandComplete(buf string) bool {
	var quote rune
	for _, r := range buf {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			return true
		}
	}
	return false
}

// parseCommand reads one REPL command:
//
//	query <dataset> [page=<id>] [name=value ...];
//	update <dataset> <xml> | @<file>;
//	flush <dataset>;
//	datasets;
func parseCommand(line string) (dswire.Request, error) {
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
	op, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	req := dswire.Request{Op: strings.ToLower(op)}

	switch req.Op {
	case dswire.OpDatasets:
		return req, nil
	case dswire.OpFlush:
		if rest == "" {
			return req, errors.New("usage: flush <dataset>;")
		}
		req.Dataset = rest
		return req, nil
	case dswire.OpQuery:
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return req, errors.New("usage: query <dataset> [page=<id>] [name=value ...];")
		}
		req.Dataset = fields[0]
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok || k == "" {
				return req, errors.Errorf("bad parameter %q, want name=value", f)
			}
			if k == "page" {
				req.Page = v
				continue
			}
			if req.Params == nil {
				req.Params = make(map[string][]string)
			}
			req.Params[k] = append(req.Params[k], v)
		}
		return req, nil
	case dswire.OpUpdate:
		name, body, _ := strings.Cut(rest, " ")
		body = strings.TrimSpace(body)
		if name == "" || body == "" {
			return req, errors.New("usage: update <dataset> <xml> | @<file>;")
		}
		req.Dataset = name
		if path, ok := strings.CutPrefix(body, "@"); ok {
			b, err := os.ReadFile(path)
			if err != nil {
				return req, err
			}
			body = string(b)
		}
		req.Document = body
		return req, nil
	default:
		return req, errors.Errorf("unknown command %q", op)
	}
}

func execute(ctx context.Context, cli *client.Client, w io.Writer, req dswire.Request) error {
	resp, err := cli.Do(ctx, req)
	if resp != nil {
		printResponse(w, resp)
	}
	return err
}

func printResponse(w io.Writer, resp *dswire.Response) {
	switch {
	case resp.Result != nil:
		printTable(w, resp.Result.Columns, resp.Result.Rows)
		suffix := ""
		if resp.Cached {
			suffix = ", cached"
		}
		fmt.Fprintf(w, "(%d rows%s)\n", len(resp.Result.Rows), suffix)
	case resp.Summary != nil:
		s := resp.Summary
		fmt.Fprintf(w, "%s: %d rows, %d inserted, %d updated, %d deleted, %d skipped, %d failed\n",
			s.State, s.Rows, s.Inserted, s.Updated, s.Deleted, s.Skipped, s.Failed)
		for _, f := range resp.Failures {
			fmt.Fprintf(w, "  row %d (%s): %s\n", f.Row, f.Action, f.Error)
		}
	case resp.Datasets != nil:
		for _, d := range resp.Datasets {
			fmt.Fprintln(w, d)
		}
	case resp.Error == "":
		fmt.Fprintf(w, "OK (%d flushed)\n", resp.Flushed)
	}
}

func printTable(w io.Writer, cols []string, rows [][]any) {
	cell := func(row []any, i int) string {
		if i < len(row) && row[i] != nil {
			return fmt.Sprintf("%v", row[i])
		}
		return "NULL"
	}

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	for _, row := range rows {
		for i := range cols {
			if s := cell(row, i); len(s) > widths[i] {
				widths[i] = len(s)
			}
		}
	}

	printRow := func(values []string) {
		for i := range cols {
			if i > 0 {
				fmt.Fprint(w, " | ")
			}
			fmt.Fprint(w, padRight(values[i], widths[i]))
		}
		fmt.Fprintln(w)
	}

	printRow(cols)
	for i := range cols {
		if i > 0 {
			fmt.Fprint(w, "-+-")
		}
		fmt.Fprint(w, strings.Repeat("-", widths[i]))
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		out := make([]string, len(cols))
		for i := range cols {
			out[i] = cell(row, i)
		}
		printRow(out)
	}
}

func padRight(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}
