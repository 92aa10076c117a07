package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/rules"
)

// RuleInput describes a new rule, either as text or as a template.
type RuleInput struct {
	Text       string            `json:"text,omitempty"`
	TemplateID string            `json:"templateId,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Category   rules.Category    `json:"category,omitempty"`
}

// RuleOutcome is either the changed rule or the request opened for it.
type RuleOutcome struct {
	Rule    *rules.Rule       `json:"rule,omitempty"`
	Request *approval.Request `json:"request,omitempty"`
}

// Pending reports whether the change awaits approval.
func (o *RuleOutcome) Pending() bool { return o.Request != nil && !o.Request.Executed }

// resolveRule renders a template and checks expression rules compile.
func (c *Core) resolveRule(in RuleInput) (text string, cat rules.Category, err error) {
	text, cat = strings.TrimSpace(in.Text), in.Category
	if in.TemplateID != "" {
		tmpl, err := rules.LookupTemplate(in.TemplateID)
		if err != nil {
			return "", "", err
		}
		if text, err = tmpl.Render(in.Params); err != nil {
			return "", "", err
		}
		cat = tmpl.Category
	}
	if text == "" {
		return "", "", rules.ErrEmptyText
	}
	if err := c.validateRuleText(text); err != nil {
		return "", "", err
	}
	return text, cat, nil
}

func (c *Core) validateRuleText(text string) error {
	if len(text) >= len(enforce.ExpressionPrefix) && strings.EqualFold(text[:len(enforce.ExpressionPrefix)], enforce.ExpressionPrefix) {
		return c.expr.Validate(text)
	}
	return nil
}

// CreateRule adds a rule. The founder's rule is live at once; another
// elder's rule becomes a RULE_CREATE request.
func (c *Core) CreateRule(ctx context.Context, scope, actor string, in RuleInput) (_ *RuleOutcome, err error) {
	op, ctx := c.start(ctx, "rules.create", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	reg, founder, elder, err := c.role(ctx, scope, actor)
	if err != nil {
		return nil, err
	}
	if !elder {
		return nil, fmt.Errorf("%s: %w", actor, council.ErrNotElder)
	}
	text, cat, err := c.resolveRule(in)
	if err != nil {
		return nil, err
	}

	if founder {
		r, err := c.rules.Create(ctx, scope, text, actor, rules.CreateOptions{
			Category:   cat,
			TemplateID: in.TemplateID,
			Approvers:  []string{actor},
			Enabled:    true,
		})
		if err != nil {
			return nil, err
		}
		return &RuleOutcome{Rule: r}, nil
	}
	req, err := c.propose(ctx, scope, action.RuleCreate, action.RuleCreatePayload{
		Text:       text,
		Category:   string(cat),
		TemplateID: in.TemplateID,
	}, actor, reg.Quorum)
	if err != nil {
		return nil, err
	}
	return &RuleOutcome{Request: req}, nil
}

// EditRule replaces a rule's text. The founder edits directly and counts
// as the first approval of the new version; another elder opens a
// RULE_EDIT request.
func (c *Core) EditRule(ctx context.Context, scope, id, text, actor string) (_ *RuleOutcome, err error) {
	op, ctx := c.start(ctx, "rules.edit", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	reg, founder, elder, err := c.role(ctx, scope, actor)
	if err != nil {
		return nil, err
	}
	if !elder {
		return nil, fmt.Errorf("%s: %w", actor, council.ErrNotElder)
	}
	if err := c.liveRule(ctx, scope, id); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, rules.ErrEmptyText
	}
	if err := c.validateRuleText(text); err != nil {
		return nil, err
	}

	if founder {
		if _, err := c.rules.Edit(ctx, scope, id, text, actor); err != nil {
			return nil, err
		}
		r, err := c.rules.Approve(ctx, scope, id, actor, reg.Quorum)
		if err != nil {
			return nil, err
		}
		return &RuleOutcome{Rule: r}, nil
	}
	req, err := c.propose(ctx, scope, action.RuleEdit, action.RuleEditPayload{RuleID: id, Text: text}, actor, reg.Quorum)
	if err != nil {
		return nil, err
	}
	return &RuleOutcome{Request: req}, nil
}

// ApproveRule records an elder's approval of the current version; the
// rule goes live at the council quorum.
func (c *Core) ApproveRule(ctx context.Context, scope, id, actor string) (_ *rules.Rule, err error) {
	op, ctx := c.start(ctx, "rules.approve", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	reg, _, elder, err := c.role(ctx, scope, actor)
	if err != nil {
		return nil, err
	}
	if !elder {
		return nil, fmt.Errorf("%s: %w", actor, council.ErrNotElder)
	}
	if err := c.liveRule(ctx, scope, id); err != nil {
		return nil, err
	}
	return c.rules.Approve(ctx, scope, id, actor, reg.Quorum)
}

// SetRuleEnabled toggles a rule. Only the founder may do so.
func (c *Core) SetRuleEnabled(ctx context.Context, scope, id string, enabled bool, actor string) (_ *rules.Rule, err error) {
	op, ctx := c.start(ctx, "rules.toggle", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	_, founder, _, err := c.role(ctx, scope, actor)
	if err != nil {
		return nil, err
	}
	if !founder {
		return nil, ErrFounderOnly
	}
	if err := c.liveRule(ctx, scope, id); err != nil {
		return nil, err
	}
	return c.rules.SetEnabled(ctx, scope, id, enabled, actor)
}

// DeleteRule soft-deletes a rule, directly for the founder and through a
// RULE_DELETE request otherwise.
func (c *Core) DeleteRule(ctx context.Context, scope, id, actor string) (_ *RuleOutcome, err error) {
	op, ctx := c.start(ctx, "rules.delete", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	reg, founder, elder, err := c.role(ctx, scope, actor)
	if err != nil {
		return nil, err
	}
	if !elder {
		return nil, fmt.Errorf("%s: %w", actor, council.ErrNotElder)
	}
	if err := c.liveRule(ctx, scope, id); err != nil {
		return nil, err
	}

	if founder {
		r, err := c.rules.Delete(ctx, scope, id, actor)
		if err != nil {
			return nil, err
		}
		return &RuleOutcome{Rule: r}, nil
	}
	req, err := c.propose(ctx, scope, action.RuleDelete, action.RuleDeletePayload{RuleID: id}, actor, reg.Quorum)
	if err != nil {
		return nil, err
	}
	return &RuleOutcome{Request: req}, nil
}

func (c *Core) liveRule(ctx context.Context, scope, id string) error {
	r, err := c.rules.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	if r.Deleted {
		return fmt.Errorf("%s: %w", id, rules.ErrDeleted)
	}
	return nil
}

// Rules lists the rules of scope.
func (c *Core) Rules(ctx context.Context, scope string, opts rules.ListOptions) ([]*rules.Rule, error) {
	return c.rules.List(ctx, scope, opts)
}

// Rule returns one rule, including deleted ones.
func (c *Core) Rule(ctx context.Context, scope, id string) (*rules.Rule, error) {
	return c.rules.Get(ctx, scope, id)
}

// RuleHistory returns the revisions of a rule, oldest first.
func (c *Core) RuleHistory(ctx context.Context, scope, id string) ([]rules.Revision, error) {
	return c.rules.History(ctx, scope, id)
}

// Check evaluates an ordinary action against the enabled rules of scope.
// Missing roles are looked up; lookup failures leave them empty and the
// decision still fails open.
func (c *Core) Check(ctx context.Context, scope string, act enforce.Action, actx enforce.Context) enforce.Decision {
	op, ctx := c.start(ctx, "rules.check", scope, actx.Actor)
	defer op.End(nil)

	if actx.ActorRole == "" && actx.Actor != "" {
		actx.ActorRole, _ = c.roster.EffectiveRole(ctx, scope, actx.Actor)
	}
	if actx.TargetRole == "" && actx.Target != "" {
		actx.TargetRole, _ = c.roster.EffectiveRole(ctx, scope, actx.Target)
	}
	return c.enforcer.Evaluate(ctx, scope, act, &actx)
}
