// Package parser turns markdown note bodies into searchable plain text.
package parser

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Result holds the output of parsing a markdown body.
type Result struct {
	// Plain is the body with markup removed, one block per line.
	Plain string
	// Heading is the text of the first level-1 heading, if any.
	Heading string
}

// Parse walks the markdown AST of body and extracts its plain text.
func Parse(body string) *Result {
	src := []byte(body)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	res := &Result{}
	var b strings.Builder

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 && res.Heading == "" {
				res.Heading = strings.TrimSpace(inlineText(node, src))
			}
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(src))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})

	res.Plain = b.String()
	return res
}

// inlineText concatenates the text segments below n.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
			continue
		}
		b.WriteString(inlineText(c, src))
	}
	return b.String()
}

// Words splits s into lower-cased words on anything that is not a letter or digit.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// DisplayTitle returns title if present, otherwise the first H1 heading,
// otherwise the first non-empty line of the body.
func DisplayTitle(title, body string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	if h := Parse(body).Heading; h != "" {
		return h
	}
	for _, line := range strings.Split(body, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return ""
}
