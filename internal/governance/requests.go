package governance

import (
	"context"
	"fmt"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/council"
)

// Propose opens a request of any action type on behalf of an elder; the
// requester's own approval is counted at once.
func (c *Core) Propose(ctx context.Context, scope string, act action.Type, payload any, actor string) (_ *approval.Request, err error) {
	op, ctx := c.start(ctx, "requests.create", scope, actor)
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
	return c.propose(ctx, scope, act, payload, actor, reg.Quorum)
}

// Approve records an elder's approval.
func (c *Core) Approve(ctx context.Context, id, actor string) (_ *approval.Request, err error) {
	op, ctx := c.start(ctx, "requests.approve", "", actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	return c.approvals.Approve(ctx, id, actor)
}

// Reject records an elder's rejection.
func (c *Core) Reject(ctx context.Context, id, actor string) (_ *approval.Request, err error) {
	op, ctx := c.start(ctx, "requests.reject", "", actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	return c.approvals.Reject(ctx, id, actor)
}

// Cancel withdraws a pending request of actor's.
func (c *Core) Cancel(ctx context.Context, id, actor string) (err error) {
	op, ctx := c.start(ctx, "requests.cancel", "", actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return err
	}
	return c.approvals.Cancel(ctx, id, actor)
}

// Execute runs an approved request that has not executed yet.
func (c *Core) Execute(ctx context.Context, id string) (_ *approval.Request, err error) {
	op, ctx := c.start(ctx, "requests.execute", "", "")
	defer func() { op.End(err) }()
	return c.approvals.Execute(ctx, id)
}

// Sweep executes every approved, unexecuted request of scope.
func (c *Core) Sweep(ctx context.Context, scope string) (_ []*approval.Request, err error) {
	op, ctx := c.start(ctx, "requests.sweep", scope, "")
	defer func() { op.End(err) }()
	return c.approvals.Sweep(ctx, scope)
}

// Expire moves pending requests past the TTL to expired.
func (c *Core) Expire(ctx context.Context, scope string) (_ []*approval.Request, err error) {
	op, ctx := c.start(ctx, "requests.expire", scope, "")
	defer func() { op.End(err) }()
	return c.approvals.Expire(ctx, scope)
}

// Request returns one request.
func (c *Core) Request(ctx context.Context, id string) (*approval.Request, error) {
	return c.approvals.Get(ctx, id)
}

// ResolveRequest finds a request of scope by id or unique id prefix.
func (c *Core) ResolveRequest(ctx context.Context, scope, idOrPrefix string) (*approval.Request, error) {
	return c.approvals.Resolve(ctx, scope, idOrPrefix)
}

// Requests lists the requests of scope, oldest first.
func (c *Core) Requests(ctx context.Context, scope string, opts approval.ListOptions) ([]*approval.Request, error) {
	return c.approvals.List(ctx, scope, opts)
}

// RejectThreshold returns how many rejections reject a request.
func (c *Core) RejectThreshold() int { return c.approvals.RejectThreshold() }
