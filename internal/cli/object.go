package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Object renders an arbitrary value: as itself in JSON and as YAML in text
// and markdown, both keyed by the value's JSON tags.
type Object struct {
	out   *Output
	meta  Meta
	value any
}

func (o *Object) Render() error { return o.out.Render(o) }

func (o *Object) Meta() Meta { return o.meta }

func (o *Object) RenderJSON() any { return o.value }

func (o *Object) RenderText(w io.Writer) error {
	doc, err := o.yaml()
	if err != nil {
		return err
	}
	_, err = w.Write(doc)
	return err
}

func (o *Object) RenderMarkdown(w io.Writer) error {
	doc, err := o.yaml()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "```yaml\n%s```\n", doc)
	return err
}

// yaml routes the value through JSON so field names and omitempty follow
// the json tags.
func (o *Object) yaml() ([]byte, error) {
	raw, err := json.Marshal(o.value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", o.meta.Type, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}
