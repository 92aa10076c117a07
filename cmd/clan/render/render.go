// Package render holds the display helpers shared by the clan subcommands.
package render

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
	"github.com/gezibash/clan/internal/session"
	"github.com/gezibash/clan/internal/trust"
)

var hexPattern = regexp.MustCompile(`^([a-z0-9]+:)?([0-9a-fA-F]{64})$`)

// TruncateHexValue shortens 64-char hex strings, optionally carrying an
// "algo:" prefix, to 8 hex chars for display.
func TruncateHexValue(v string) string {
	m := hexPattern.FindStringSubmatch(v)
	if m == nil {
		return v
	}
	return m[1] + m[2][:8]
}

// ShortID returns the first 8 characters of an id, the length request
// prefixes are usually typed with.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Actors shortens every hex identity in ids.
func Actors(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = TruncateHexValue(id)
	}
	return strings.Join(out, ", ")
}

// RelativeTime returns a human-friendly age of ts as seen at now.
func RelativeTime(now, ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	d := now.Sub(ts)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return ts.Format("Jan 2, 2006")
	}
}

// Votes formats the tally of a request as "approvals/quorum".
func Votes(r *approval.Request) string {
	return fmt.Sprintf("%d/%d", r.Approvals.Len(), r.Quorum)
}

// Council renders a registry as key-value pairs.
func Council(out *cli.Output, resultType string, reg *council.Registry) *cli.KV {
	return out.KV(resultType).
		Set("Scope", reg.Scope).
		Set("Founder", reg.Founder).
		Set("Elders", reg.Elders.Items()).
		Set("Quorum", reg.Quorum).
		Set("Created", reg.CreatedAt).
		Set("Updated", reg.UpdatedAt)
}

// Rule renders one rule as key-value pairs.
func Rule(out *cli.Output, resultType string, r *rules.Rule) *cli.KV {
	kv := out.KV(resultType).
		Set("ID", r.ID).
		Set("Text", r.Text).
		Set("Category", string(r.Category)).
		Set("Version", r.Version).
		Set("Enabled", r.Enabled).
		Set("Approvals", r.Approvals.Items()).
		Set("Created By", r.CreatedBy).
		Set("Created", r.CreatedAt)
	if r.TemplateID != "" {
		kv.Set("Template", r.TemplateID)
	}
	if r.Deleted {
		kv.Set("Deleted", true)
	}
	return kv
}

// Rules renders rules as a table.
func Rules(out *cli.Output, list []*rules.Rule) *cli.Table {
	t := out.Table("rules", "ID", "Category", "Enabled", "Version", "Approvals", "Text").
		Empty("No rules.")
	for _, r := range list {
		enabled := "no"
		if r.Enabled {
			enabled = "yes"
		}
		if r.Deleted {
			enabled = "deleted"
		}
		t.AddRow(r.ID, string(r.Category), enabled, fmt.Sprint(r.Version), fmt.Sprint(r.Approvals.Len()), r.Text)
	}
	return t
}

// Request renders one approval request as key-value pairs.
func Request(out *cli.Output, resultType string, r *approval.Request) *cli.KV {
	kv := out.KV(resultType).
		Set("ID", r.ID).
		Set("Scope", r.Scope).
		Set("Action", string(r.Action)).
		Set("Status", string(r.Status)).
		Set("Votes", Votes(r)).
		Set("Requester", r.Requester).
		Set("Approvals", r.Approvals.Items()).
		Set("Rejections", r.Rejections.Items()).
		Set("Executed", r.Executed).
		Set("Created", r.CreatedAt)
	if len(r.Payload) > 0 {
		kv.Set("Payload", string(r.Payload))
	}
	if r.LastError != "" {
		kv.Set("Last Error", r.LastError)
	}
	return kv
}

// Requests renders approval requests as a table.
func Requests(out *cli.Output, list []*approval.Request, now time.Time) *cli.Table {
	t := out.Table("requests", "ID", "Action", "Status", "Votes", "Requester", "Age").
		Empty("No requests.")
	for _, r := range list {
		status := string(r.Status)
		if r.Executed {
			status = "executed"
		}
		t.AddRow(ShortID(r.ID), string(r.Action), status, Votes(r), TruncateHexValue(r.Requester), RelativeTime(now, r.CreatedAt))
	}
	return t
}

// Pending renders the notice that a change was turned into a request.
func Pending(out *cli.Output, resultType string, r *approval.Request) *cli.Result {
	return out.Result(resultType, "Change requires council approval").
		With("Request", r.ID).
		With("Action", string(r.Action)).
		With("Votes", Votes(r))
}

// Members renders the roster as a table.
func Members(out *cli.Output, list []*roster.Member, now time.Time) *cli.Table {
	t := out.Table("members", "Identity", "Role", "Joined").Empty("No members.")
	for _, m := range list {
		t.AddRow(m.Identity, string(m.Role), RelativeTime(now, m.JoinedAt))
	}
	return t
}

// Events renders audit events as a table, oldest first.
func Events(out *cli.Output, events []*audit.Event) *cli.Table {
	t := out.Table("audit-events", "Time", "Kind", "Actor", "Hash").Empty("No events.")
	for _, e := range events {
		t.AddRow(e.Timestamp.UTC().Format(time.RFC3339), string(e.Kind), TruncateHexValue(e.Actor), TruncateHexValue(e.Hash))
	}
	return t
}

// CouncilOutcome renders the result of a council mutation: the registry
// when it was applied, the request id when it awaits approval.
func CouncilOutcome(out *cli.Output, resultType, message string, o *council.Outcome) cli.Renderable {
	if o.Pending() {
		return out.Result(resultType, "Change requires council approval").
			With("Request", o.RequestID)
	}
	return out.Result(resultType, message).
		With("Elders", o.Registry.Elders.Items()).
		With("Quorum", o.Registry.Quorum)
}

// ParseParams splits "key=value" strings into a map.
func ParseParams(params []string) (map[string]string, error) {
	m := make(map[string]string, len(params))
	for _, p := range params {
		k, val, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", p)
		}
		m[k] = val
	}
	return m, nil
}

// ReadInput reads the payload argument: a file path if one exists on disk,
// otherwise literal text. "-" or no argument reads stdin.
func ReadInput(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err == nil {
			return data, nil
		}
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

// Session renders a session status as key-value pairs.
func Session(out *cli.Output, resultType string, s *session.Status) *cli.KV {
	kv := out.KV(resultType).
		Set("Device", s.Device).
		Set("State", string(s.State)).
		Set("Started", s.StartedAt).
		Set("PIN", s.HasPIN)
	if s.FailedPINs > 0 {
		kv.Set("Failed PINs", s.FailedPINs)
	}
	if s.Trust != nil {
		kv.Set("Trust Score", s.Trust.Score).Set("Trust Tier", string(s.Trust.Tier))
	}
	return kv
}

// Assessment renders a trust assessment as key-value pairs.
func Assessment(out *cli.Output, resultType string, a trust.Assessment) *cli.KV {
	kv := out.KV(resultType).
		Set("Score", a.Score).
		Set("Tier", string(a.Tier))
	penalties := make([]string, len(a.Penalties))
	for i, p := range a.Penalties {
		penalties[i] = p.String()
	}
	kv.Set("Penalties", penalties)
	if a.Err != nil {
		kv.Set("Error", a.Err.Error())
	}
	return kv
}
