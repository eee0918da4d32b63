// Package netconf implements the message layer of the controller:
// a generic XML element tree, RFC 6242 framing in both end-of-message
// and chunked modes, and builders/parsers for the NETCONF operations
// the controller speaks.
package netconf

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// Node is a generic XML element. Namespaces are resolved by
// encoding/xml into XMLName.Space.
type Node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr
	Text     string
	Children []*Node
}

// UnmarshalXML builds the element tree, keeping child order.
func (n *Node) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	n.XMLName = start.Name
	n.Attrs = start.Attr
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &Node{}
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			n.Children = append(n.Children, child)
		case xml.CharData:
			n.Text += string(t)
		case xml.EndElement:
			n.Text = strings.TrimSpace(n.Text)
			return nil
		}
	}
}

// Parse parses an XML document into a Node tree.
func Parse(data []byte) (*Node, error) {
	n := &Node{}
	if err := xml.Unmarshal(data, n); err != nil {
		return nil, fmt.Errorf("xml parse: %w", err)
	}
	return n, nil
}

// Name returns the local element name.
func (n *Node) Name() string {
	return n.XMLName.Local
}

// Namespace returns the resolved element namespace.
func (n *Node) Namespace() string {
	return n.XMLName.Space
}

// Find returns the first child element with the given local name.
func (n *Node) Find(name string) *Node {
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return c
		}
	}
	return nil
}

// FindAll returns all child elements with the given local name.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

// FindPath descends through a chain of child element names.
func (n *Node) FindPath(names ...string) *Node {
	cur := n
	for _, name := range names {
		if cur = cur.Find(name); cur == nil {
			return nil
		}
	}
	return cur
}

// Body returns the text of the first child with the given name, or "".
func (n *Node) Body(name string) string {
	if c := n.Find(name); c != nil {
		return c.Text
	}
	return ""
}

// Attr returns the value of the named attribute, or "".
func (n *Node) Attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Copy returns a deep copy of the subtree.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	cp := &Node{
		XMLName: n.XMLName,
		Text:    n.Text,
	}
	cp.Attrs = append(cp.Attrs, n.Attrs...)
	for _, c := range n.Children {
		cp.Children = append(cp.Children, c.Copy())
	}
	return cp
}

// SortRecurse sorts children by (name, list key) at every level,
// giving the tree a canonical order for diffing and comparison.
func (n *Node) SortRecurse() {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.XMLName.Local != b.XMLName.Local {
			return a.XMLName.Local < b.XMLName.Local
		}
		return a.Key() < b.Key()
	})
	for _, c := range n.Children {
		c.SortRecurse()
	}
}

// Key returns the list key of an element: the text of its "name" child
// if present, else its own text. Used to match list entries in diffs.
func (n *Node) Key() string {
	if k := n.Body("name"); k != "" {
		return k
	}
	return n.Text
}

// Equal reports deep equality of two subtrees (local name, text,
// children in order; namespaces and attributes are ignored).
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.XMLName.Local != o.XMLName.Local || n.Text != o.Text {
		return false
	}
	if len(n.Children) != len(o.Children) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// String serialises the subtree as XML. Namespace declarations carried
// in Attrs are emitted; resolved namespaces on XMLName are not
// re-derived, so round-tripping preserves the original declarations.
func (n *Node) String() string {
	var b bytes.Buffer
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *bytes.Buffer) {
	b.WriteByte('<')
	b.WriteString(n.XMLName.Local)
	for _, a := range n.Attrs {
		b.WriteByte(' ')
		if a.Name.Space == "xmlns" {
			b.WriteString("xmlns:")
		}
		b.WriteString(a.Name.Local)
		b.WriteString(`="`)
		xml.EscapeText(b, []byte(a.Value))
		b.WriteString(`"`)
	}
	if len(n.Children) == 0 && n.Text == "" {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if n.Text != "" {
		xml.EscapeText(b, []byte(n.Text))
	}
	for _, c := range n.Children {
		c.write(b)
	}
	b.WriteString("</")
	b.WriteString(n.XMLName.Local)
	b.WriteByte('>')
}

// NewElem creates an element with the given name and children.
func NewElem(name string, children ...*Node) *Node {
	return &Node{XMLName: xml.Name{Local: name}, Children: children}
}

// NewLeaf creates an element holding only text.
func NewLeaf(name, text string) *Node {
	return &Node{XMLName: xml.Name{Local: name}, Text: text}
}

// AddChild appends a child and returns n for chaining.
func (n *Node) AddChild(c *Node) *Node {
	n.Children = append(n.Children, c)
	return n
}

// RemoveChild removes a child by pointer.
func (n *Node) RemoveChild(c *Node) {
	for i, x := range n.Children {
		if x == c {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}

// SetAttr sets or replaces an attribute.
func (n *Node) SetAttr(name, value string) {
	for i, a := range n.Attrs {
		if a.Name.Local == name {
			n.Attrs[i].Value = value
			return
		}
	}
	n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}
