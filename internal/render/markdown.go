// Package render turns post and comment bodies, which are Markdown, into the
// plain-text excerpts and HTML the front ends display.
package render

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// DefaultExcerptLength is the rune limit used by list views.
const DefaultExcerptLength = 80

var md = goldmark.New()

// HTML converts Markdown to HTML. Raw HTML in the source is omitted.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "render markdown", err)
	}
	return buf.String(), nil
}

// PlainText strips Markdown syntax, keeping one space between blocks.
func PlainText(markdown string) string {
	source := []byte(markdown)
	node := md.Parser().Parse(text.NewReader(source))

	var builder strings.Builder
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch n.Kind() {
		case ast.KindText:
			t := n.(*ast.Text)
			builder.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				builder.WriteByte(' ')
			}
		case ast.KindCodeSpan:
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					builder.Write(t.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph, ast.KindHeading, ast.KindListItem:
			builder.WriteByte(' ')
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				builder.Write(line.Value(source))
			}
			builder.WriteByte(' ')
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(builder.String()), " ")
}

// Excerpt returns the plain text of markdown cut to at most limit runes,
// ending in "..." when shortened. A non-positive limit uses DefaultExcerptLength.
func Excerpt(markdown string, limit int) string {
	if limit <= 0 {
		limit = DefaultExcerptLength
	}
	plain := PlainText(markdown)
	if utf8.RuneCountInString(plain) <= limit {
		return plain
	}
	runes := []rune(plain)
	cut := strings.TrimRight(string(runes[:limit-3]), " ")
	return cut + "..."
}
