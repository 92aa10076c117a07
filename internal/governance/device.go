package governance

import (
	"context"

	"github.com/gezibash/clan/internal/session"
	"github.com/gezibash/clan/internal/trust"
)

func (c *Core) guard() (*session.Guard, error) {
	if c.session == nil {
		return nil, ErrNoDeviceKey
	}
	return c.session, nil
}

// EvaluateTrust runs a scoring pass on the device.
func (c *Core) EvaluateTrust(ctx context.Context) (_ trust.Assessment, err error) {
	op, ctx := c.start(ctx, "trust.evaluate", "", c.Device())
	defer func() { op.End(err) }()

	if c.trust == nil {
		return trust.Assessment{Tier: trust.TierRequirePIN, Err: ErrNoDeviceKey}, ErrNoDeviceKey
	}
	a := c.trust.Evaluate(ctx)
	return a, a.Err
}

// ReduceTrust applies an out-of-band trust penalty.
func (c *Core) ReduceTrust(ctx context.Context, amount int, reason string) (_ int, err error) {
	op, ctx := c.start(ctx, "trust.reduce", "", c.Device())
	defer func() { op.End(err) }()

	if c.trust == nil {
		return 0, ErrNoDeviceKey
	}
	return c.trust.Reduce(ctx, amount, reason)
}

// TrustState returns the stored trust baseline, nil when never scored.
func (c *Core) TrustState(ctx context.Context) (*trust.State, error) {
	if c.trust == nil {
		return nil, ErrNoDeviceKey
	}
	return c.trust.Current(ctx)
}

// StartSession starts a fresh session on the device.
func (c *Core) StartSession(ctx context.Context) (_ *session.Status, err error) {
	op, ctx := c.start(ctx, "session.init", "", c.Device())
	defer func() { op.End(err) }()

	g, err := c.guard()
	if err != nil {
		return nil, err
	}
	return g.Init(ctx)
}

// Foreground runs the foreground checks.
func (c *Core) Foreground(ctx context.Context) (_ *session.Status, err error) {
	op, ctx := c.start(ctx, "session.foreground", "", c.Device())
	defer func() { op.End(err) }()

	g, err := c.guard()
	if err != nil {
		return nil, err
	}
	return g.Foreground(ctx)
}

// Background applies the passive trust penalty.
func (c *Core) Background(ctx context.Context) (err error) {
	op, ctx := c.start(ctx, "session.background", "", c.Device())
	defer func() { op.End(err) }()

	g, err := c.guard()
	if err != nil {
		return err
	}
	return g.Background(ctx)
}

// SetPIN installs the step-up PIN.
func (c *Core) SetPIN(ctx context.Context, pin string) (err error) {
	op, ctx := c.start(ctx, "session.set_pin", "", c.Device())
	defer func() { op.End(err) }()

	g, err := c.guard()
	if err != nil {
		return err
	}
	return g.SetPIN(ctx, pin)
}

// StepUp clears require-pin with the PIN.
func (c *Core) StepUp(ctx context.Context, pin string) (_ *session.Status, err error) {
	op, ctx := c.start(ctx, "session.step_up", "", c.Device())
	defer func() { op.End(err) }()

	g, err := c.guard()
	if err != nil {
		return nil, err
	}
	return g.StepUp(ctx, pin)
}

// Panic invalidates the session.
func (c *Core) Panic(ctx context.Context) (err error) {
	op, ctx := c.start(ctx, "session.panic", "", c.Device())
	defer func() { op.End(err) }()

	g, err := c.guard()
	if err != nil {
		return err
	}
	return g.Panic(ctx)
}

// SessionStatus returns the session without running checks.
func (c *Core) SessionStatus(ctx context.Context) (*session.Status, error) {
	g, err := c.guard()
	if err != nil {
		return nil, err
	}
	return g.Status(ctx)
}

// Authorize runs the sensitive-operation gate on its own and returns the
// reason it denies.
func (c *Core) Authorize(ctx context.Context) error {
	g, err := c.guard()
	if err != nil {
		return err
	}
	return g.Authorize(ctx)
}
