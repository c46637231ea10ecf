package extract

import (
	"net/textproto"

	"github.com/tuannm99/novads/internal/doc"
)

var _ Source = (*Values)(nil)

// Values is the plain Source used for requests: parameters, headers and
// substitution variables, plus the current input node.
type Values struct {
	Page    string
	Params  map[string][]string
	Headers map[string]string
	Vars    map[string]string
	Current *doc.Node
}

func (v *Values) PageID() string             { return v.Page }
func (v *Values) Param(name string) []string { return v.Params[name] }
func (v *Values) Node() *doc.Node            { return v.Current }

func (v *Values) Header(name string) string {
	if h, ok := v.Headers[name]; ok {
		return h
	}
	return v.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

func (v *Values) Var(name string) (string, bool) {
	s, ok := v.Vars[name]
	return s, ok
}

// WithNode returns a shallow copy positioned on n. Maps are shared, so the
// copy must be treated as read-only like the original.
func (v *Values) WithNode(n *doc.Node) *Values {
	cp := *v
	cp.Current = n
	return &cp
}
