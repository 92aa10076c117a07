package cli

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/muesli/reflow/truncate"
)

// maxCellWidth bounds text cells; JSON and markdown keep full values.
const maxCellWidth = 48

// Table renders tabular data using go-pretty.
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
	empty   string
}

// Empty sets the text printed instead of an empty table.
func (t *Table) Empty(msg string) *Table {
	t.empty = msg
	return t
}

// AddRow adds a row of values. Should match header count.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// WithPagination sets pagination cursor and hasMore flag.
func (t *Table) WithPagination(cursor string, hasMore bool) *Table {
	t.meta = t.meta.WithPagination(cursor, hasMore)
	return t
}

// Render outputs the table in the configured format.
func (t *Table) Render() error {
	return t.out.Render(t)
}

// Meta returns the table metadata.
func (t *Table) Meta() Meta {
	return t.meta
}

// RenderText writes an ASCII table using go-pretty.
func (t *Table) RenderText(w io.Writer) error {
	if len(t.rows) == 0 && t.empty != "" {
		_, err := io.WriteString(w, t.empty+"\n")
		return err
	}
	tw := t.newTableWriter(maxCellWidth)
	tw.SetStyle(table.StyleLight)
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// RenderJSON returns the data as an array of objects.
func (t *Table) RenderJSON() any {
	result := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string)
		for i, h := range t.headers {
			if i < len(row) {
				obj[toJSONKey(h)] = row[i]
			}
		}
		result = append(result, obj)
	}
	return result
}

// RenderMarkdown writes a markdown table using go-pretty.
func (t *Table) RenderMarkdown(w io.Writer) error {
	tw := t.newTableWriter(0)
	_, err := io.WriteString(w, tw.RenderMarkdown()+"\n")
	return err
}

// newTableWriter builds the go-pretty writer, truncating cells to width
// when width > 0.
func (t *Table) newTableWriter(width int) table.Writer {
	tw := table.NewWriter()

	headerRow := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		headerRow[i] = h
	}
	tw.AppendHeader(headerRow)

	for _, row := range t.rows {
		tableRow := make(table.Row, len(row))
		for i, cell := range row {
			if width > 0 {
				cell = truncate.StringWithTail(cell, uint(width), "…")
			}
			tableRow[i] = cell
		}
		tw.AppendRow(tableRow)
	}

	return tw
}

// toJSONKey converts a header to a JSON key (lowercase, underscores).
func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
