package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/store/memory"
)

const scope = "clan-1"

func newStore(t *testing.T) (*Store, *audit.Log) {
	t.Helper()
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	log := audit.New(be)
	s := New(be, log)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick time.Duration
	s.now = func() time.Time {
		tick += time.Second
		return base.Add(tick)
	}
	return s, log
}

func TestCreatePending(t *testing.T) {
	s, _ := newStore(t)
	r, err := s.Create(context.Background(), scope, "  No links in messages ", "alice", CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Version != 1 || r.Enabled || r.Approvals.Len() != 0 {
		t.Fatalf("new rule = %+v", r)
	}
	if r.Text != "No links in messages" || r.Category != CategoryMessage {
		t.Fatalf("text/category = %q/%s", r.Text, r.Category)
	}
	if len(r.History) != 1 || r.History[0].Action != "created" {
		t.Fatalf("history = %+v", r.History)
	}
	if _, err := s.Create(context.Background(), scope, "   ", "alice", CreateOptions{}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("empty text = %v", err)
	}
}

func TestCreatePreApproved(t *testing.T) {
	s, _ := newStore(t)
	r, err := s.Create(context.Background(), scope, "Elders cannot be removed", "founder", CreateOptions{
		Approvers: []string{"founder"},
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Enabled || !r.Approvals.Has("founder") || r.Category != CategoryMemberRemoval {
		t.Fatalf("rule = %+v", r)
	}
}

func TestApproveReachesQuorum(t *testing.T) {
	s, log := newStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, scope, "No links", "alice", CreateOptions{})

	r, err := s.Approve(ctx, scope, r.ID, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if r.Enabled {
		t.Fatal("enabled after one approval with quorum 2")
	}
	if _, err := s.Approve(ctx, scope, r.ID, "alice", 2); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("double approve = %v", err)
	}
	r, err = s.Approve(ctx, scope, r.ID, "bob", 2)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Enabled {
		t.Fatal("not enabled at quorum")
	}
	head, _ := log.Head(ctx, scope)
	if head.Kind != audit.KindRuleApproved {
		t.Fatalf("head kind = %s", head.Kind)
	}
}

func TestEditResetsApprovalGate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, scope, "No links", "founder", CreateOptions{Approvers: []string{"founder", "alice"}, Enabled: true})

	for i := range 3 {
		prev := r.Version
		var err error
		r, err = s.Edit(ctx, scope, r.ID, "No links or images", "alice")
		if err != nil {
			t.Fatal(err)
		}
		if r.Version != prev+1 {
			t.Fatalf("edit %d: version %d, want %d", i, r.Version, prev+1)
		}
		if r.Enabled || r.Approvals.Len() != 0 {
			t.Fatalf("edit %d did not reset the gate: %+v", i, r)
		}
		if _, err := s.Approve(ctx, scope, r.ID, "founder", 1); err != nil {
			t.Fatal(err)
		}
		r, _ = s.Get(ctx, scope, r.ID)
		if !r.Enabled {
			t.Fatal("approve at quorum 1 should enable")
		}
	}
	if _, err := s.Edit(ctx, scope, r.ID, "", "alice"); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("empty edit = %v", err)
	}
}

func TestSoftDelete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	r, _ := s.Create(ctx, scope, "No links", "founder", CreateOptions{Enabled: true})
	if _, err := s.SetEnabled(ctx, scope, r.ID, false, "founder"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetEnabled(ctx, scope, r.ID, true, "founder"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete(ctx, scope, r.ID, "founder"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, scope, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted || got.Enabled {
		t.Fatalf("deleted rule = %+v", got)
	}
	hist, _ := s.History(ctx, scope, r.ID)
	var actions []string
	for _, h := range hist {
		actions = append(actions, h.Action)
	}
	want := []string{"created", "disabled", "enabled", "deleted"}
	if len(actions) != len(want) {
		t.Fatalf("history = %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("history = %v, want %v", actions, want)
		}
	}

	if _, err := s.Edit(ctx, scope, r.ID, "x", "founder"); !errors.Is(err, ErrDeleted) {
		t.Fatalf("edit deleted = %v", err)
	}
	live, _ := s.List(ctx, scope, ListOptions{})
	all, _ := s.List(ctx, scope, ListOptions{IncludeDeleted: true})
	if len(live) != 0 || len(all) != 1 {
		t.Fatalf("live %d, all %d", len(live), len(all))
	}
}

func TestListOrderAndEnabled(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, scope, "No links", "founder", CreateOptions{Enabled: true})
	b, _ := s.Create(ctx, scope, "No all caps messages", "founder", CreateOptions{})
	c, _ := s.Create(ctx, scope, "Max file size 5MB", "founder", CreateOptions{Enabled: true})
	if _, err := s.Create(ctx, "other", "No links", "founder", CreateOptions{Enabled: true}); err != nil {
		t.Fatal(err)
	}

	all, _ := s.List(ctx, scope, ListOptions{})
	if len(all) != 3 || all[0].ID != a.ID || all[1].ID != b.ID || all[2].ID != c.ID {
		t.Fatal("List not in creation order")
	}
	enabled, _ := s.Enabled(ctx, scope)
	if len(enabled) != 2 || enabled[0].ID != a.ID || enabled[1].ID != c.ID {
		t.Fatalf("Enabled = %d rules", len(enabled))
	}
}

func TestMissingRule(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Approve(context.Background(), scope, "nope", "alice", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateFromTemplate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	r, err := s.CreateFromTemplate(ctx, scope, "quiet-hours", nil, "founder", CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Text != "No messages between 22:00 and 07:00" || r.TemplateID != "quiet-hours" || r.Category != CategoryTimeWindow {
		t.Fatalf("rule = %+v", r)
	}

	r, err = s.CreateFromTemplate(ctx, scope, "forbidden-words", map[string]string{"words": "spoiler, leak"}, "founder", CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Text != "Forbidden words: spoiler, leak" {
		t.Fatalf("text = %q", r.Text)
	}

	if _, err := s.CreateFromTemplate(ctx, scope, "forbidden-words", nil, "founder", CreateOptions{}); err == nil {
		t.Fatal("expected missing parameter error")
	}
	if _, err := s.CreateFromTemplate(ctx, scope, "nope", nil, "founder", CreateOptions{}); !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("unknown template = %v", err)
	}
}

func TestTemplatesCategorizeConsistently(t *testing.T) {
	for _, tmpl := range Templates() {
		params := map[string]string{"words": "spoiler"}
		text, err := tmpl.Render(params)
		if err != nil {
			t.Fatalf("%s: %v", tmpl.ID, err)
		}
		if got := Categorize(text); got != tmpl.Category {
			t.Errorf("%s: Categorize(%q) = %s, want %s", tmpl.ID, text, got, tmpl.Category)
		}
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		text string
		want Category
	}{
		{"cel: action == 'send_message'", CategoryExpression},
		{"Uploads over 2 MB are not allowed", CategoryFileSize},
		{"No posting between 23:00 and 06:00", CategoryTimeWindow},
		{"Quiet hours on weekends", CategoryTimeWindow},
		{"Banned words: foo", CategoryForbiddenWords},
		{"Moderators cannot be kicked", CategoryMemberRemoval},
		{"Only moderators may post polls", CategoryRoleGated},
		{"Be nice", CategoryMessage},
	}
	for _, tt := range tests {
		if got := Categorize(tt.text); got != tt.want {
			t.Errorf("Categorize(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestTemplateParams(t *testing.T) {
	tmpl, err := LookupTemplate("announcements")
	if err != nil {
		t.Fatal(err)
	}
	params := tmpl.Params()
	if len(params) != 2 || params[0] != "role" || params[1] != "phrase" {
		t.Fatalf("Params = %v", params)
	}
	text, _ := tmpl.Render(map[string]string{"role": "moderator"})
	if text != "Only moderators may say @everyone" {
		t.Fatalf("Render = %q", text)
	}
}
