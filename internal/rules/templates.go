package rules

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrUnknownTemplate = errors.New("unknown rule template")

// Template is a built-in rule with {{param}} placeholders.
type Template struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Category    Category          `json:"category"`
	Text        string            `json:"text"`
	Defaults    map[string]string `json:"defaults,omitempty"`
}

// Params returns the placeholder names in order of appearance.
func (t Template) Params() []string {
	var out []string
	rest := t.Text
	for {
		i := strings.Index(rest, "{{")
		if i < 0 {
			return out
		}
		j := strings.Index(rest[i:], "}}")
		if j < 0 {
			return out
		}
		name := strings.TrimSpace(rest[i+2 : i+j])
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
		rest = rest[i+j+2:]
	}
}

// Render fills the placeholders from params, falling back to defaults.
func (t Template) Render(params map[string]string) (string, error) {
	text := t.Text
	for _, name := range t.Params() {
		v := strings.TrimSpace(params[name])
		if v == "" {
			v = t.Defaults[name]
		}
		if v == "" {
			return "", fmt.Errorf("template %s: missing parameter %q", t.ID, name)
		}
		text = strings.ReplaceAll(text, "{{"+name+"}}", v)
	}
	return text, nil
}

var templates = []Template{
	{
		ID:          "no-links",
		Name:        "No links",
		Description: "Members may not post links.",
		Category:    CategoryMessage,
		Text:        "No links in messages",
	},
	{
		ID:          "no-shouting",
		Name:        "No shouting",
		Description: "Blocks messages written entirely in capitals.",
		Category:    CategoryMessage,
		Text:        "No all caps messages",
	},
	{
		ID:          "max-length",
		Name:        "Message length",
		Description: "Caps the length of a single message.",
		Category:    CategoryMessage,
		Text:        "Messages must be at most {{chars}} characters",
		Defaults:    map[string]string{"chars": "500"},
	},
	{
		ID:          "quiet-hours",
		Name:        "Quiet hours",
		Description: "No messages during a nightly window.",
		Category:    CategoryTimeWindow,
		Text:        "No messages between {{start}} and {{end}}",
		Defaults:    map[string]string{"start": "22:00", "end": "07:00"},
	},
	{
		ID:          "forbidden-words",
		Name:        "Forbidden words",
		Description: "Blocks messages containing any listed word.",
		Category:    CategoryForbiddenWords,
		Text:        "Forbidden words: {{words}}",
	},
	{
		ID:          "protect-elders",
		Name:        "Protect elders",
		Description: "Elders cannot be removed from the group.",
		Category:    CategoryMemberRemoval,
		Text:        "Elders cannot be removed",
	},
	{
		ID:          "founder-removes",
		Name:        "Founder-only removals",
		Description: "Only the founder may remove members.",
		Category:    CategoryMemberRemoval,
		Text:        "Only the founder can remove members",
	},
	{
		ID:          "announcements",
		Name:        "Gated announcements",
		Description: "Restricts a phrase to a minimum role.",
		Category:    CategoryRoleGated,
		Text:        "Only {{role}}s may say {{phrase}}",
		Defaults:    map[string]string{"role": "elder", "phrase": "@everyone"},
	},
	{
		ID:          "file-size",
		Name:        "File size limit",
		Description: "Rejects uploads above a size.",
		Category:    CategoryFileSize,
		Text:        "Max file size {{size}}",
		Defaults:    map[string]string{"size": "10MB"},
	},
}

// Templates returns the built-in catalogue sorted by id.
func Templates() []Template {
	out := slices.Clone(templates)
	slices.SortFunc(out, func(a, b Template) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// LookupTemplate finds a template by id.
func LookupTemplate(id string) (Template, error) {
	for _, t := range templates {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
}

func sortByCreated(rs []*Rule) {
	slices.SortStableFunc(rs, func(a, b *Rule) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
