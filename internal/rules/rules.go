// Package rules stores each group's versioned free-text policy rules.
//
// A rule is enabled only once enough elders approve it. Editing bumps the
// version by one, disables the rule and clears its approvals. Deleting is
// soft: the rule and its history stay readable.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/set"
	"github.com/gezibash/clan/internal/store"
)

const bucket = "rules"

var (
	ErrNotFound        = errors.New("rule not found")
	ErrDeleted         = errors.New("rule deleted")
	ErrEmptyText       = errors.New("rule text cannot be empty")
	ErrAlreadyApproved = errors.New("already approved this version")
)

// Revision is one entry of a rule's history.
type Revision struct {
	Version int       `json:"version"`
	Text    string    `json:"text"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
}

// Rule is a group policy rule.
type Rule struct {
	ID         string      `json:"id"`
	Scope      string      `json:"scope"`
	Text       string      `json:"text"`
	Version    int         `json:"version"`
	Enabled    bool        `json:"enabled"`
	Approvals  set.Ordered `json:"approvals"`
	Category   Category    `json:"category"`
	TemplateID string      `json:"templateId,omitempty"`
	History    []Revision  `json:"history"`
	CreatedBy  string      `json:"createdBy"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	Deleted    bool        `json:"deleted,omitempty"`
}

// CreateOptions tunes Create.
type CreateOptions struct {
	// Category overrides the category inferred from the text.
	Category Category
	// TemplateID records the template the text was rendered from.
	TemplateID string
	// Approvers pre-approve the rule; with Enabled set the rule starts live.
	Approvers []string
	Enabled   bool
}

// ListOptions filters List.
type ListOptions struct {
	IncludeDeleted bool
	EnabledOnly    bool
}

// Store persists rules.
type Store struct {
	backend store.Backend
	log     *audit.Log
	locks   store.Locker
	now     func() time.Time
}

// New creates a rule store.
func New(backend store.Backend, log *audit.Log) *Store {
	return &Store{backend: backend, log: log, now: time.Now}
}

func ruleKey(scope, id string) string { return scope + "/" + id }

// Create stores a new rule at version 1.
func (s *Store) Create(ctx context.Context, scope, text, actor string, opts CreateOptions) (*Rule, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	cat := opts.Category
	if cat == "" {
		cat = Categorize(text)
	}

	now := s.now().UTC()
	r := &Rule{
		ID:         uuid.NewString(),
		Scope:      scope,
		Text:       text,
		Version:    1,
		Enabled:    opts.Enabled,
		Approvals:  set.Of(opts.Approvers...),
		Category:   cat,
		TemplateID: opts.TemplateID,
		History:    []Revision{{Version: 1, Text: text, Actor: actor, Action: "created", At: now}},
		CreatedBy:  actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.put(ctx, r); err != nil {
		return nil, err
	}
	s.log.Record(ctx, scope, audit.KindRuleCreated, actor, map[string]any{
		"ruleId":   r.ID,
		"version":  r.Version,
		"category": string(r.Category),
		"enabled":  r.Enabled,
	})
	return r, nil
}

// CreateFromTemplate renders a template with params and creates the rule.
func (s *Store) CreateFromTemplate(ctx context.Context, scope, templateID string, params map[string]string, actor string, opts CreateOptions) (*Rule, error) {
	tmpl, err := LookupTemplate(templateID)
	if err != nil {
		return nil, err
	}
	text, err := tmpl.Render(params)
	if err != nil {
		return nil, err
	}
	opts.Category = tmpl.Category
	opts.TemplateID = tmpl.ID
	return s.Create(ctx, scope, text, actor, opts)
}

// Get returns a rule, including deleted ones.
func (s *Store) Get(ctx context.Context, scope, id string) (*Rule, error) {
	var r Rule
	err := store.GetJSON(ctx, s.backend, bucket, ruleKey(scope, id), &r)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}
	return &r, nil
}

// List returns the rules of scope, oldest first.
func (s *Store) List(ctx context.Context, scope string, opts ListOptions) ([]*Rule, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	all, err := store.ScanJSON[Rule](ctx, s.backend, bucket, store.ScanOptions{Prefix: scope + "/"})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := all[:0]
	for _, r := range all {
		if r.Deleted && !opts.IncludeDeleted {
			continue
		}
		if opts.EnabledOnly && (!r.Enabled || r.Deleted) {
			continue
		}
		out = append(out, r)
	}
	sortByCreated(out)
	return out, nil
}

// Enabled returns the live rules of scope.
func (s *Store) Enabled(ctx context.Context, scope string) ([]*Rule, error) {
	return s.List(ctx, scope, ListOptions{EnabledOnly: true})
}

// History returns the revisions of a rule, oldest first.
func (s *Store) History(ctx context.Context, scope, id string) ([]Revision, error) {
	r, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	return r.History, nil
}

// Edit replaces the text. The version goes up by exactly one, the rule is
// disabled and every approval is cleared, whatever state it was in.
func (s *Store) Edit(ctx context.Context, scope, id, text, actor string) (*Rule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	return s.mutate(ctx, scope, id, actor, audit.KindRuleEdited, func(r *Rule) (string, error) {
		r.Text = text
		r.Version++
		r.Enabled = false
		r.Approvals = set.Ordered{}
		if r.TemplateID == "" {
			r.Category = Categorize(text)
		}
		return "edited", nil
	})
}

// Approve records approver's approval of the current version. The rule is
// enabled once approvals reach quorum.
func (s *Store) Approve(ctx context.Context, scope, id, approver string, quorum int) (*Rule, error) {
	if quorum < 1 {
		quorum = 1
	}
	return s.mutate(ctx, scope, id, approver, audit.KindRuleApproved, func(r *Rule) (string, error) {
		if !r.Approvals.Add(approver) {
			return "", ErrAlreadyApproved
		}
		if r.Approvals.Len() >= quorum {
			r.Enabled = true
		}
		return "approved", nil
	})
}

// SetEnabled toggles a rule on or off.
func (s *Store) SetEnabled(ctx context.Context, scope, id string, enabled bool, actor string) (*Rule, error) {
	return s.mutate(ctx, scope, id, actor, audit.KindRuleToggled, func(r *Rule) (string, error) {
		r.Enabled = enabled
		if enabled {
			return "enabled", nil
		}
		return "disabled", nil
	})
}

// Delete soft-deletes a rule. It stays readable with its history.
func (s *Store) Delete(ctx context.Context, scope, id, actor string) (*Rule, error) {
	return s.mutate(ctx, scope, id, actor, audit.KindRuleDeleted, func(r *Rule) (string, error) {
		r.Deleted = true
		r.Enabled = false
		return "deleted", nil
	})
}

func (s *Store) mutate(ctx context.Context, scope, id, actor string, kind audit.Kind, fn func(*Rule) (string, error)) (*Rule, error) {
	unlock := s.locks.Lock(ruleKey(scope, id))
	defer unlock()

	r, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, fmt.Errorf("%s: %w", id, ErrDeleted)
	}
	verb, err := fn(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	now := s.now().UTC()
	r.UpdatedAt = now
	r.History = append(r.History, Revision{Version: r.Version, Text: r.Text, Actor: actor, Action: verb, At: now})
	if err := s.put(ctx, r); err != nil {
		return nil, err
	}
	s.log.Record(ctx, scope, kind, actor, map[string]any{
		"ruleId":    r.ID,
		"version":   r.Version,
		"enabled":   r.Enabled,
		"approvals": r.Approvals.Items(),
		"action":    verb,
	})
	return r, nil
}

func (s *Store) put(ctx context.Context, r *Rule) error {
	if err := store.PutJSON(ctx, s.backend, bucket, ruleKey(r.Scope, r.ID), r); err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}
