package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/list"
)

// List renders a bulleted list of renderables or plain strings. Items added
// with Nest sit one level under the item before them, so a broken audit
// chain prints its mismatches beneath the verification result.
type List struct {
	out   *Output
	meta  Meta
	items []listItem
}

type listItem struct {
	r     Renderable
	text  string
	depth int
}

// Add appends top-level items.
func (l *List) Add(items ...Renderable) *List {
	for _, r := range items {
		l.items = append(l.items, listItem{r: r})
	}
	return l
}

// AddText appends top-level strings, such as rule categories.
func (l *List) AddText(items ...string) *List {
	for _, s := range items {
		l.items = append(l.items, listItem{text: s})
	}
	return l
}

// Nest appends items one level below the last top-level item.
func (l *List) Nest(items ...Renderable) *List {
	for _, r := range items {
		l.items = append(l.items, listItem{r: r, depth: 1})
	}
	return l
}

// Render outputs the list in the configured format.
func (l *List) Render() error {
	return l.out.Render(l)
}

// Meta returns the list metadata.
func (l *List) Meta() Meta {
	return l.meta
}

// RenderText writes an ASCII list using go-pretty.
func (l *List) RenderText(w io.Writer) error {
	lw := list.NewWriter()
	lw.SetStyle(list.StyleBulletCircle)
	l.fill(lw, FormatText)
	_, err := io.WriteString(w, lw.Render()+"\n")
	return err
}

// RenderMarkdown writes a markdown list using go-pretty.
func (l *List) RenderMarkdown(w io.Writer) error {
	lw := list.NewWriter()
	lw.SetStyle(list.StyleMarkdown)
	l.fill(lw, FormatMarkdown)
	_, err := io.WriteString(w, lw.RenderMarkdown()+"\n")
	return err
}

// RenderJSON returns the items as a flat array in insertion order. Strings
// stay strings.
func (l *List) RenderJSON() any {
	result := make([]any, 0, len(l.items))
	for _, it := range l.items {
		if it.r == nil {
			result = append(result, it.text)
			continue
		}
		result = append(result, it.r.RenderJSON())
	}
	return result
}

func (l *List) fill(lw list.Writer, format Format) {
	depth := 0
	for _, it := range l.items {
		for ; depth < it.depth; depth++ {
			lw.Indent()
		}
		for ; depth > it.depth; depth-- {
			lw.UnIndent()
		}
		if it.r == nil {
			lw.AppendItem(it.text)
			continue
		}
		lw.AppendItem(renderableToString(it.r, format))
	}
}

func renderableToString(r Renderable, format Format) string {
	var buf strings.Builder
	if format == FormatMarkdown {
		_ = r.RenderMarkdown(&buf)
	} else {
		_ = r.RenderText(&buf)
	}
	return strings.TrimSpace(buf.String())
}
