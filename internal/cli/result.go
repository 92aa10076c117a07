package cli

import (
	"fmt"
	"io"
)

// detail is one labelled value of a Result or Error, kept in insertion order.
type detail struct {
	key   string
	value any
}

func writeDetails(w io.Writer, details []detail, format string) error {
	width := 0
	for _, d := range details {
		width = max(width, len(d.key)+1)
	}
	for _, d := range details {
		var err error
		switch format {
		case "markdown":
			_, err = fmt.Fprintf(w, "- **%s:** %s\n", d.key, formatMarkdownValue(d.value))
		default:
			_, err = fmt.Fprintf(w, "  %-*s  %s\n", width, d.key+":", formatValue(d.value))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func detailsJSON(base map[string]any, details []detail) map[string]any {
	for _, d := range details {
		base[toJSONKey(d.key)] = d.value
	}
	return base
}

// Result is a single message with ordered details.
type Result struct {
	out     *Output
	meta    Meta
	message string
	details []detail
}

// With adds a detail. Empty strings are skipped.
func (r *Result) With(key string, value any) *Result {
	if s, ok := value.(string); ok && s == "" {
		return r
	}
	r.details = append(r.details, detail{key, value})
	return r
}

func (r *Result) Render() error { return r.out.Render(r) }

func (r *Result) Meta() Meta { return r.meta }

func (r *Result) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintln(w, r.message); err != nil {
		return err
	}
	return writeDetails(w, r.details, "text")
}

func (r *Result) RenderJSON() any {
	return detailsJSON(map[string]any{"message": r.message}, r.details)
}

func (r *Result) RenderMarkdown(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "**%s**\n\n", r.message); err != nil {
		return err
	}
	return writeDetails(w, r.details, "markdown")
}

// Error is a structured error result.
type Error struct {
	out     *Output
	meta    Meta
	err     error
	code    string
	details []detail
}

// WithCode sets an error code, usually the gRPC status code name.
func (e *Error) WithCode(code string) *Error {
	e.code = code
	return e
}

func (e *Error) With(key string, value any) *Error {
	e.details = append(e.details, detail{key, value})
	return e
}

func (e *Error) Render() error { return e.out.Render(e) }

func (e *Error) Meta() Meta { return e.meta }

func (e *Error) RenderText(w io.Writer) error {
	prefix := "Error"
	if e.code != "" {
		prefix = fmt.Sprintf("Error [%s]", e.code)
	}
	if _, err := fmt.Fprintf(w, "%s: %v\n", prefix, e.err); err != nil {
		return err
	}
	return writeDetails(w, e.details, "text")
}

func (e *Error) RenderJSON() any {
	base := map[string]any{"error": e.err.Error()}
	if e.code != "" {
		base["code"] = e.code
	}
	return detailsJSON(base, e.details)
}

func (e *Error) RenderMarkdown(w io.Writer) error {
	prefix := "Error"
	if e.code != "" {
		prefix = fmt.Sprintf("Error [%s]", e.code)
	}
	if _, err := fmt.Fprintf(w, "> **%s:** %v\n", prefix, e.err); err != nil {
		return err
	}
	if len(e.details) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return writeDetails(w, e.details, "markdown")
}
