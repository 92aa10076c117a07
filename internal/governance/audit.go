package governance

import (
	"context"
	"fmt"

	"github.com/gezibash/clan/internal/audit"
)

// AuditEvents lists the chain of scope in chronological order.
func (c *Core) AuditEvents(ctx context.Context, scope string, opts audit.ListOptions) ([]*audit.Event, error) {
	return c.audit.List(ctx, scope, opts)
}

// RecentAudit returns the newest n events of scope, newest first.
func (c *Core) RecentAudit(ctx context.Context, scope string, n int) ([]*audit.Event, error) {
	return c.audit.Recent(ctx, scope, n)
}

// AuditHead returns the last event of scope.
func (c *Core) AuditHead(ctx context.Context, scope string) (*audit.Event, error) {
	return c.audit.Head(ctx, scope)
}

// VerifyAudit rechecks the newest window events of scope.
func (c *Core) VerifyAudit(ctx context.Context, scope string, window int) (_ *audit.Report, err error) {
	op, ctx := c.start(ctx, "audit.verify", scope, "")
	defer func() { op.End(err) }()
	return c.audit.Verify(ctx, scope, window)
}

// ExportResult is an export and where it was archived.
type ExportResult struct {
	Export   *audit.Export `json:"export"`
	Location string        `json:"location,omitempty"`
}

// ExportAudit exports the chain of scope and, with a sink configured,
// archives it. The export itself is audited afterwards.
func (c *Core) ExportAudit(ctx context.Context, scope, actor string, archiveIt bool) (_ *ExportResult, err error) {
	op, ctx := c.start(ctx, "audit.export", scope, actor)
	defer func() { op.End(err) }()

	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	exp, err := c.audit.Export(ctx, scope)
	if err != nil {
		return nil, err
	}
	res := &ExportResult{Export: exp}
	if archiveIt {
		if c.sink == nil {
			return nil, ErrNoArchive
		}
		if res.Location, err = c.sink.Write(ctx, exp); err != nil {
			return nil, fmt.Errorf("archive %s: %w", c.sink.Name(), err)
		}
	}
	c.audit.Record(ctx, scope, audit.KindAuditExported, actor, map[string]any{
		"head":     exp.Head,
		"count":    exp.Count,
		"location": res.Location,
	})
	return res, nil
}

// Attest signs the chain head of scope with the device key.
func (c *Core) Attest(ctx context.Context, scope string) (_ *audit.Attestation, err error) {
	op, ctx := c.start(ctx, "audit.attest", scope, c.Device())
	defer func() { op.End(err) }()

	if c.key == nil {
		return nil, ErrNoDeviceKey
	}
	if err := c.gate(ctx); err != nil {
		return nil, err
	}
	return c.audit.Attest(ctx, scope, c.key)
}
