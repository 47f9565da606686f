// Package markup parses the vector-markup template payload and performs
// the placeholder substitution pass. Rasterizing the materialized tree is
// a collaborator concern; this package only guarantees that what it hands
// over contains no unresolved placeholders and unchanged page geometry.
package markup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var (
	markupLexer = lexer.MustStateful(lexer.Rules{
		"Root": {
			{Name: "CloseOpen", Pattern: `</`, Action: lexer.Push("Tag")},
			{Name: "Open", Pattern: `<`, Action: lexer.Push("Tag")},
			{Name: "Text", Pattern: `[^<]+`},
		},
		"Tag": {
			{Name: "SelfClose", Pattern: `/>`, Action: lexer.Pop()},
			{Name: "Close", Pattern: `>`, Action: lexer.Pop()},
			{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_-]*`},
			{Name: "String", Pattern: `"(?:\\.|[^"])*"`},
			{Name: "Eq", Pattern: `=`},
			{Name: "TagWhitespace", Pattern: `\s+`},
		},
	})

	documentParser = participle.MustBuild[Tree](
		participle.Lexer(markupLexer),
		participle.Elide("TagWhitespace"),
	)
)

// Tree is the parsed markup payload: a sequence of top-level nodes.
type Tree struct {
	Nodes []*Node `parser:"@@*"`
}

// Node is either an element or a raw text run.
type Node struct {
	Element *Element `parser:"  @@"`
	Text    *string  `parser:"| @Text"`
}

// Element is a tag with attributes and either a self-closing marker or a
// child list terminated by a matching close tag.
type Element struct {
	Pos       lexer.Position `parser:"" json:"-"`
	Name      string         `parser:"Open @Ident"`
	Attrs     []*Attr        `parser:"@@*"`
	SelfClose bool           `parser:"( @SelfClose"`
	Children  []*Node        `parser:"| Close @@*"`
	CloseName string         `parser:"  CloseOpen @Ident Close )"`
}

// Attr is a name="value" pair. Order is preserved for deterministic
// serialization.
type Attr struct {
	Name  string        `parser:"@Ident Eq"`
	Value StringLiteral `parser:"@String"`
}

// StringLiteral unquotes Go-style strings on capture.
type StringLiteral string

// Capture implements participle.Capture.
func (s *StringLiteral) Capture(values []string) error {
	if len(values) == 0 {
		return fmt.Errorf("string literal capture requires value")
	}
	val, err := strconv.Unquote(values[0])
	if err != nil {
		return err
	}
	*s = StringLiteral(val)
	return nil
}

// Parse parses markup text into a tree, validating tag pairing.
func Parse(input string) (*Tree, error) {
	tree, err := documentParser.ParseString("", input)
	if err != nil {
		return nil, err
	}
	if err := validate(tree.Nodes); err != nil {
		return nil, err
	}
	decodeText(tree.Nodes)
	return tree, nil
}

// decodeText unescapes entity references in text runs so a serialized
// tree parses back to the same text. The tree holds raw text; entities
// exist only in the wire form.
func decodeText(nodes []*Node) {
	for _, n := range nodes {
		if n.Text != nil {
			t := unescapeText(*n.Text)
			n.Text = &t
		}
		if n.Element != nil {
			decodeText(n.Element.Children)
		}
	}
}

func validate(nodes []*Node) error {
	for _, n := range nodes {
		el := n.Element
		if el == nil {
			continue
		}
		if !el.SelfClose && el.CloseName != el.Name {
			return fmt.Errorf("%s: element <%s> closed by </%s>", el.Pos, el.Name, el.CloseName)
		}
		if err := validate(el.Children); err != nil {
			return err
		}
	}
	return nil
}

// Attr returns the named attribute value, or "".
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name == name {
			return string(a.Value)
		}
	}
	return ""
}

// SetAttr replaces or appends an attribute, keeping declaration order.
func (e *Element) SetAttr(name, value string) {
	for _, a := range e.Attrs {
		if a.Name == name {
			a.Value = StringLiteral(value)
			return
		}
	}
	e.Attrs = append(e.Attrs, &Attr{Name: name, Value: StringLiteral(value)})
}

// Serialize writes the tree back to markup text. The output is a pure
// function of the tree: same tree, byte-identical text.
func Serialize(tree *Tree) string {
	var b strings.Builder
	for _, n := range tree.Nodes {
		serializeNode(&b, n)
	}
	return b.String()
}

func serializeNode(b *strings.Builder, n *Node) {
	if n.Text != nil {
		b.WriteString(escapeText(*n.Text))
		return
	}
	el := n.Element
	if el == nil {
		return
	}
	b.WriteByte('<')
	b.WriteString(el.Name)
	for _, a := range el.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(string(a.Value)))
		b.WriteByte('"')
	}
	if el.SelfClose {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	for _, c := range el.Children {
		serializeNode(b, c)
	}
	b.WriteString("</")
	b.WriteString(el.Name)
	b.WriteByte('>')
}

// The recognized entity set is exactly &amp; and &lt;. escapeText and
// unescapeText are inverses, so Parse(Serialize(tree)) preserves text.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return s
}

func unescapeText(s string) string {
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
