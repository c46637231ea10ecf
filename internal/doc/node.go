// Package doc holds the input document a modifying request carries. Each
// element is a Node; a row of the transaction loop is one Node.
package doc

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var ErrEmptyDocument = errors.New("doc: document has no root element")

type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
	Parent   *Node
}

// Parse reads an XML document into a Node tree rooted at the document element.
func Parse(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)

	var root *Node
	var stack []*Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "doc: parse")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			if len(t.Attr) > 0 {
				n.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					n.Attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("doc: multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				n.Parent = parent
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("doc: unbalanced end element")
			}
			top := stack[len(stack)-1]
			top.Text = strings.TrimSpace(top.Text)
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, ErrEmptyDocument
	}
	return root, nil
}

// ParseString is Parse over an in-memory document.
func ParseString(s string) (*Node, error) {
	return Parse(strings.NewReader(s))
}

// New builds a detached element, mostly for callers assembling input by hand.
func New(name string, attrs map[string]string, children ...*Node) *Node {
	n := &Node{Name: name, Attrs: attrs}
	for _, c := range children {
		n.Append(c)
	}
	return n
}

func (n *Node) Append(c *Node) *Node {
	c.Parent = n
	n.Children = append(n.Children, c)
	return n
}

// Select returns the nodes reached by a slash-separated relative path.
// "." is the node itself, ".." its parent, and a leading "/" starts at the root.
// The empty path selects n.
func (n *Node) Select(path string) []*Node {
	if n == nil {
		return nil
	}
	cur := []*Node{n}
	if strings.HasPrefix(path, "/") {
		cur = []*Node{n.Root()}
		path = strings.TrimPrefix(path, "/")
		if first, rest, _ := strings.Cut(path, "/"); first == cur[0].Name {
			path = rest
		}
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		var next []*Node
		for _, c := range cur {
			if part == ".." {
				if c.Parent != nil {
					next = append(next, c.Parent)
				}
				continue
			}
			for _, child := range c.Children {
				if part == "*" || child.Name == part {
					next = append(next, child)
				}
			}
		}
		cur = next
		if len(cur) == 0 {
			return nil
		}
	}
	return cur
}

// Value resolves a path to a scalar: "name", "a/b", "@attr", "a/@attr" or
// "../@attr". The second result is false when nothing matched.
func (n *Node) Value(path string) (string, bool) {
	if n == nil {
		return "", false
	}
	elemPath, attr := path, ""
	if i := strings.LastIndex(path, "@"); i >= 0 {
		elemPath, attr = strings.TrimSuffix(path[:i], "/"), path[i+1:]
	}
	nodes := n.Select(elemPath)
	if len(nodes) == 0 {
		return "", false
	}
	if attr == "" {
		return nodes[0].Text, true
	}
	v, ok := nodes[0].Attrs[attr]
	return v, ok
}

func (n *Node) Root() *Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}
