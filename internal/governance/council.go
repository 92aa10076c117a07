package governance

import (
	"context"

	"github.com/gezibash/clan/internal/council"
)

// InitCouncil creates the council of scope with founder as its only elder.
func (c *Core) InitCouncil(ctx context.Context, scope, founder string) (_ *council.Registry, err error) {
	op, ctx := c.start(ctx, "council.init", scope, founder)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	return c.council.Init(ctx, scope, founder)
}

// Council returns the council of scope.
func (c *Core) Council(ctx context.Context, scope string) (*council.Registry, error) {
	return c.council.Get(ctx, scope)
}

// AddElder seats target, directly for the founder and through an
// ELDER_ADD request otherwise.
func (c *Core) AddElder(ctx context.Context, scope, target, actor string, requireApproval bool) (_ *council.Outcome, err error) {
	op, ctx := c.start(ctx, "council.add_elder", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	return c.council.AddElder(ctx, scope, target, actor, requireApproval)
}

// RemoveElder unseats target. The founder can never be removed.
func (c *Core) RemoveElder(ctx context.Context, scope, target, actor string, requireApproval bool) (_ *council.Outcome, err error) {
	op, ctx := c.start(ctx, "council.remove_elder", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	return c.council.RemoveElder(ctx, scope, target, actor, requireApproval)
}

// SetQuorum changes the quorum of scope.
func (c *Core) SetQuorum(ctx context.Context, scope string, n int, actor string) (_ *council.Outcome, err error) {
	op, ctx := c.start(ctx, "council.set_quorum", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	return c.council.SetQuorum(ctx, scope, n, actor)
}
