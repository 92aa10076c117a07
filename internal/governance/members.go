package governance

import (
	"context"
	"fmt"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/roster"
)

// MemberOutcome is either the changed member or the request opened for it.
type MemberOutcome struct {
	Member  *roster.Member    `json:"member,omitempty"`
	Request *approval.Request `json:"request,omitempty"`
}

// Join adds id to scope as an ordinary member.
func (c *Core) Join(ctx context.Context, scope, id string) (_ *roster.Member, err error) {
	op, ctx := c.start(ctx, "members.join", scope, id)
	defer func() { op.End(err) }()
	return c.roster.Join(ctx, scope, id)
}

// Members lists the roster of scope.
func (c *Core) Members(ctx context.Context, scope string) ([]*roster.Member, error) {
	return c.roster.List(ctx, scope)
}

// Role returns the effective role of id in scope.
func (c *Core) Role(ctx context.Context, scope, id string) (roster.Role, error) {
	return c.roster.EffectiveRole(ctx, scope, id)
}

// PromoteMember raises target to role.
func (c *Core) PromoteMember(ctx context.Context, scope, target, role, actor string) (_ *MemberOutcome, err error) {
	op, ctx := c.start(ctx, "members.promote", scope, actor)
	defer func() { op.End(err) }()

	r := roster.RoleModerator
	if role != "" {
		if r, err = roster.ParseRole(role); err != nil {
			return nil, err
		}
	}
	return c.memberChange(ctx, scope, actor, action.MemberPromote, action.MemberPayload{Target: target, Role: string(r)},
		func() (*roster.Member, error) { return c.roster.ApplyPromote(ctx, scope, target, r, actor) })
}

// DemoteMember returns target to an ordinary member.
func (c *Core) DemoteMember(ctx context.Context, scope, target, actor string) (_ *MemberOutcome, err error) {
	op, ctx := c.start(ctx, "members.demote", scope, actor)
	defer func() { op.End(err) }()

	return c.memberChange(ctx, scope, actor, action.MemberDemote, action.MemberPayload{Target: target},
		func() (*roster.Member, error) { return c.roster.ApplyDemote(ctx, scope, target, actor) })
}

// RemoveMember removes target from the roster.
func (c *Core) RemoveMember(ctx context.Context, scope, target, actor string) (_ *MemberOutcome, err error) {
	op, ctx := c.start(ctx, "members.remove", scope, actor)
	defer func() { op.End(err) }()

	return c.memberChange(ctx, scope, actor, action.MemberRemove, action.MemberPayload{Target: target},
		func() (*roster.Member, error) { return nil, c.roster.ApplyRemove(ctx, scope, target, actor) })
}

// memberChange applies fn for the founder and proposes act for any other
// elder. The target must be on the roster either way.
func (c *Core) memberChange(ctx context.Context, scope, actor string, act action.Type, p action.MemberPayload, fn func() (*roster.Member, error)) (*MemberOutcome, error) {
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
	if _, err := c.roster.Get(ctx, scope, p.Target); err != nil {
		return nil, err
	}

	if founder {
		m, err := fn()
		if err != nil {
			return nil, err
		}
		return &MemberOutcome{Member: m}, nil
	}
	req, err := c.propose(ctx, scope, act, p, actor, reg.Quorum)
	if err != nil {
		return nil, err
	}
	return &MemberOutcome{Request: req}, nil
}

// Settings returns the group settings of scope.
func (c *Core) Settings(ctx context.Context, scope string) (map[string]string, error) {
	return c.roster.Settings(ctx, scope)
}

// SettingOutcome is either the new settings or the request opened for them.
type SettingOutcome struct {
	Settings map[string]string `json:"settings,omitempty"`
	Request  *approval.Request `json:"request,omitempty"`
}

// SetSetting changes one group setting. The council quorum key is routed
// to SetQuorum.
func (c *Core) SetSetting(ctx context.Context, scope, key, value, actor string) (_ *SettingOutcome, err error) {
	if key == council.QuorumSetting {
		var n int
		if _, err := fmt.Sscan(value, &n); err != nil {
			return nil, fmt.Errorf("%w: quorum %q", ErrInvalidInput, value)
		}
		out, err := c.SetQuorum(ctx, scope, n, actor)
		if err != nil {
			return nil, err
		}
		if out.Pending() {
			req, err := c.approvals.Get(ctx, out.RequestID)
			if err != nil {
				return nil, err
			}
			return &SettingOutcome{Request: req}, nil
		}
		return c.settingsOutcome(ctx, scope)
	}

	op, ctx := c.start(ctx, "members.set_setting", scope, actor)
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
	if founder {
		all, err := c.roster.ApplySetting(ctx, scope, key, value, actor)
		if err != nil {
			return nil, err
		}
		return &SettingOutcome{Settings: all}, nil
	}
	req, err := c.propose(ctx, scope, action.SettingsChange, action.SettingPayload{Key: key, Value: value}, actor, reg.Quorum)
	if err != nil {
		return nil, err
	}
	return &SettingOutcome{Request: req}, nil
}

func (c *Core) settingsOutcome(ctx context.Context, scope string) (*SettingOutcome, error) {
	all, err := c.roster.Settings(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &SettingOutcome{Settings: all}, nil
}
