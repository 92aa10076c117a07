package governance

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
)

// registerHandlers binds every action type to the component mutation it
// stands for. Handlers run after approval and skip every authorization
// check; they still enforce target-state preconditions.
func (c *Core) registerHandlers() {
	c.approvals.Register(action.RuleCreate, approval.HandlerFunc(c.execRuleCreate))
	c.approvals.Register(action.RuleEdit, approval.HandlerFunc(c.execRuleEdit))
	c.approvals.Register(action.RuleDelete, approval.HandlerFunc(c.execRuleDelete))
	c.approvals.Register(action.ElderAdd, approval.HandlerFunc(c.execElderAdd))
	c.approvals.Register(action.ElderRemove, approval.HandlerFunc(c.execElderRemove))
	c.approvals.Register(action.MemberPromote, approval.HandlerFunc(c.execMemberPromote))
	c.approvals.Register(action.MemberDemote, approval.HandlerFunc(c.execMemberDemote))
	c.approvals.Register(action.MemberRemove, approval.HandlerFunc(c.execMemberRemove))
	c.approvals.Register(action.SettingsChange, approval.HandlerFunc(c.execSettingsChange))
	c.approvals.Register(action.Custom, approval.HandlerFunc(c.execCustom))
}

// execRuleCreate creates the rule live, approved by everyone who approved
// the request.
func (c *Core) execRuleCreate(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.RuleCreatePayload](req.Payload)
	if err != nil {
		return err
	}
	_, err = c.rules.Create(ctx, req.Scope, p.Text, req.Requester, rules.CreateOptions{
		Category:   rules.Category(p.Category),
		TemplateID: p.TemplateID,
		Approvers:  req.Approvals.Items(),
		Enabled:    true,
	})
	return err
}

// execRuleEdit edits the rule, which disables it, and then records the
// request's approvals against the new version.
func (c *Core) execRuleEdit(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.RuleEditPayload](req.Payload)
	if err != nil {
		return err
	}
	if _, err := c.rules.Edit(ctx, req.Scope, p.RuleID, p.Text, req.Requester); err != nil {
		return err
	}
	return c.approveRuleAs(ctx, req.Scope, p.RuleID, req.Approvals.Items(), req.Quorum)
}

func (c *Core) approveRuleAs(ctx context.Context, scope, id string, approvers []string, quorum int) error {
	for _, a := range approvers {
		if _, err := c.rules.Approve(ctx, scope, id, a, quorum); err != nil && !errors.Is(err, rules.ErrAlreadyApproved) {
			return err
		}
	}
	return nil
}

func (c *Core) execRuleDelete(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.RuleDeletePayload](req.Payload)
	if err != nil {
		return err
	}
	_, err = c.rules.Delete(ctx, req.Scope, p.RuleID, req.Requester)
	return err
}

func (c *Core) execElderAdd(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.ElderPayload](req.Payload)
	if err != nil {
		return err
	}
	_, err = c.council.ApplyAddElder(ctx, req.Scope, p.Target, req.Requester)
	return err
}

func (c *Core) execElderRemove(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.ElderPayload](req.Payload)
	if err != nil {
		return err
	}
	_, err = c.council.ApplyRemoveElder(ctx, req.Scope, p.Target, req.Requester)
	return err
}

func (c *Core) execMemberPromote(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.MemberPayload](req.Payload)
	if err != nil {
		return err
	}
	_, err = c.roster.ApplyPromote(ctx, req.Scope, p.Target, roster.Role(p.Role), req.Requester)
	return err
}

func (c *Core) execMemberDemote(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.MemberPayload](req.Payload)
	if err != nil {
		return err
	}
	_, err = c.roster.ApplyDemote(ctx, req.Scope, p.Target, req.Requester)
	return err
}

func (c *Core) execMemberRemove(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.MemberPayload](req.Payload)
	if err != nil {
		return err
	}
	return c.roster.ApplyRemove(ctx, req.Scope, p.Target, req.Requester)
}

// execSettingsChange routes the council quorum to the council and every
// other key to the group settings.
func (c *Core) execSettingsChange(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.SettingPayload](req.Payload)
	if err != nil {
		return err
	}
	if p.Key == council.QuorumSetting {
		n, err := strconv.Atoi(p.Value)
		if err != nil {
			return fmt.Errorf("%w: quorum %q", ErrInvalidInput, p.Value)
		}
		_, err = c.council.ApplyQuorum(ctx, req.Scope, n, req.Requester)
		return err
	}
	_, err = c.roster.ApplySetting(ctx, req.Scope, p.Key, p.Value, req.Requester)
	return err
}

func (c *Core) execCustom(ctx context.Context, req *approval.Request) error {
	p, err := action.Decode[action.CustomPayload](req.Payload)
	if err != nil {
		return err
	}
	_, err = c.audit.Append(ctx, req.Scope, audit.KindCustomAction, req.Requester, map[string]any{
		"request": req.ID,
		"name":    p.Name,
		"data":    p.Data,
	})
	return err
}
