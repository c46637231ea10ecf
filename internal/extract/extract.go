// Package extract resolves request-time values. The same extractors bind SQL
// parameters and derive cache keys, so a key changes exactly when a bound
// value can change.
package extract

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/doc"
)

// OffsetParam is the request parameter carrying the pagination offset.
const OffsetParam = "psfirst"

var ErrBadSpec = errors.New("extract: bad extractor spec")

// Source is the request state an extractor reads from.
type Source interface {
	PageID() string
	Param(name string) []string
	Header(name string) string
	Var(name string) (string, bool)
	// Node is the current input row (or iterator occurrence). It may be nil.
	Node() *doc.Node
}

type Extractor interface {
	Extract(src Source) (any, error)
	String() string
}

type Literal struct{ Value any }

func (e Literal) Extract(Source) (any, error) { return e.Value, nil }
func (e Literal) String() string              { return fmt.Sprintf("literal:%v", e.Value) }

// Param yields the first value of a request parameter, or nil when absent.
type Param struct{ Name string }

func (e Param) Extract(src Source) (any, error) {
	vals := src.Param(e.Name)
	if len(vals) == 0 {
		return nil, nil
	}
	return vals[0], nil
}
func (e Param) String() string { return "param:" + e.Name }

// Params yields every value of a request parameter.
type Params struct{ Name string }

func (e Params) Extract(src Source) (any, error) {
	vals := src.Param(e.Name)
	if len(vals) == 0 {
		return nil, nil
	}
	return append([]string(nil), vals...), nil
}
func (e Params) String() string { return "params:" + e.Name }

// NodeValue reads text or an attribute relative to the current row node.
type NodeValue struct{ Path string }

func (e NodeValue) Extract(src Source) (any, error) {
	n := src.Node()
	if n == nil {
		return nil, nil
	}
	v, ok := n.Value(e.Path)
	if !ok {
		return nil, nil
	}
	return v, nil
}
func (e NodeValue) String() string { return "node:" + e.Path }

type Page struct{}

func (Page) Extract(src Source) (any, error) { return src.PageID(), nil }
func (Page) String() string                  { return "page" }

// Var reads a document-level substitution such as a UDF parameter.
type Var struct{ Name string }

func (e Var) Extract(src Source) (any, error) {
	v, ok := src.Var(e.Name)
	if !ok {
		return nil, nil
	}
	return v, nil
}
func (e Var) String() string { return "var:" + e.Name }

type Offset struct{}

func (Offset) Extract(src Source) (any, error) {
	vals := src.Param(OffsetParam)
	if len(vals) == 0 || vals[0] == "" {
		return "0", nil
	}
	return vals[0], nil
}
func (Offset) String() string { return "offset" }

type Header struct{ Name string }

func (e Header) Extract(src Source) (any, error) {
	v := src.Header(e.Name)
	if v == "" {
		return nil, nil
	}
	return v, nil
}
func (e Header) String() string { return "header:" + e.Name }

// Parse compiles one extractor spec such as "param:id" or "node:@sku".
func Parse(spec string) (Extractor, error) {
	kind, arg, hasArg := strings.Cut(strings.TrimSpace(spec), ":")
	needArg := func() error {
		if !hasArg || arg == "" {
			return errors.Wrapf(ErrBadSpec, "%q needs an argument", spec)
		}
		return nil
	}

	switch kind {
	case "literal":
		if !hasArg {
			return nil, errors.Wrapf(ErrBadSpec, "%q needs a value", spec)
		}
		return Literal{Value: arg}, nil
	case "param":
		if err := needArg(); err != nil {
			return nil, err
		}
		return Param{Name: arg}, nil
	case "params":
		if err := needArg(); err != nil {
			return nil, err
		}
		return Params{Name: arg}, nil
	case "node":
		if !hasArg {
			return nil, errors.Wrapf(ErrBadSpec, "%q needs a path", spec)
		}
		return NodeValue{Path: arg}, nil
	case "var":
		if err := needArg(); err != nil {
			return nil, err
		}
		return Var{Name: arg}, nil
	case "header":
		if err := needArg(); err != nil {
			return nil, err
		}
		return Header{Name: arg}, nil
	case "page":
		return Page{}, nil
	case "offset":
		return Offset{}, nil
	default:
		return nil, errors.Wrapf(ErrBadSpec, "unknown kind %q", kind)
	}
}

// ParseAll compiles a list of specs, stopping at the first bad one.
func ParseAll(specs []string) ([]Extractor, error) {
	out := make([]Extractor, 0, len(specs))
	for _, s := range specs {
		e, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
