// Package governance wires the governance and trust components into one
// Core, constructed once and passed by handle.
//
// Sensitive operations pass the session gate first when sessions are
// required. The founder mutates directly; other elders go through the
// approval workflow, whose handlers call back into the components.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/archive"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/config"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
	"github.com/gezibash/clan/internal/session"
	"github.com/gezibash/clan/internal/store"
	"github.com/gezibash/clan/internal/trust"
	"github.com/gezibash/clan/pkg/identity"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

var (
	ErrFounderOnly  = errors.New("only the founder may do this")
	ErrNoDeviceKey  = errors.New("a device key is required")
	ErrNoArchive    = errors.New("no archive sink configured")
	ErrInvalidInput = errors.New("invalid input")
)

// Config holds the governance tunables.
type Config struct {
	DefaultQuorum     int
	RejectThreshold   int
	RequestTTL        time.Duration
	RequireSession    bool
	AuditWindow       int
	BackgroundPenalty int
	MinPINLength      int
}

// ConfigFrom extracts the governance tunables from the loaded config.
func ConfigFrom(c config.Config) Config {
	return Config{
		DefaultQuorum:     c.Governance.DefaultQuorum,
		RejectThreshold:   c.Governance.RejectThreshold,
		RequestTTL:        c.Governance.RequestTTL,
		RequireSession:    c.Governance.RequireSession,
		AuditWindow:       c.Governance.AuditWindow,
		BackgroundPenalty: c.Trust.BackgroundPenalty,
		MinPINLength:      c.Session.MinPINLength,
	}
}

// Options are the collaborators of a Core.
type Options struct {
	Backend store.Backend
	// Key is the device key. It seals the session token and signs
	// attestations; without it there is no session guard.
	Key *ed25519.Keypair
	// Signals feeds the trust scorer. Nil uses trust.HostSource.
	Signals   trust.SignalSource
	Metrics   *observability.Metrics
	Archive   archive.Sink
	Clock     func() time.Time
	PINParams *session.PINParams
}

// Core is the governance state object.
type Core struct {
	cfg     Config
	metrics *observability.Metrics
	key     *ed25519.Keypair
	sink    archive.Sink

	audit     *audit.Log
	council   *council.Service
	rules     *rules.Store
	roster    *roster.Roster
	approvals *approval.Workflow
	enforcer  *enforce.Enforcer
	expr      *enforce.ExpressionEvaluator
	trust     *trust.Scorer
	session   *session.Guard
}

// New builds a Core over one backend.
func New(cfg Config, opts Options) (*Core, error) {
	if opts.Backend == nil {
		return nil, errors.New("governance core requires a store backend")
	}
	if cfg.RequireSession && opts.Key == nil {
		return nil, fmt.Errorf("%w: sessions are required", ErrNoDeviceKey)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	c := &Core{cfg: cfg, metrics: opts.Metrics, key: opts.Key, sink: opts.Archive}

	c.audit = audit.New(opts.Backend,
		audit.WithMetrics(opts.Metrics),
		audit.WithClock(now),
		audit.WithWindow(cfg.AuditWindow),
	)
	c.council = council.New(opts.Backend, c.audit, council.WithDefaultQuorum(defaultInt(cfg.DefaultQuorum, council.DefaultQuorum)), council.WithClock(now))
	c.rules = rules.New(opts.Backend, c.audit)
	c.roster = roster.New(opts.Backend, c.council, c.audit)
	c.approvals = approval.New(opts.Backend, c.audit, c.council,
		approval.WithMetrics(opts.Metrics),
		approval.WithClock(now),
		approval.WithRejectThreshold(cfg.RejectThreshold),
		approval.WithTTL(cfg.RequestTTL),
	)

	expr, err := enforce.NewExpressionEvaluator()
	if err != nil {
		return nil, fmt.Errorf("expression evaluator: %w", err)
	}
	c.expr = expr
	c.enforcer = enforce.New(c.rules, c.audit, enforce.WithMetrics(opts.Metrics), enforce.WithExpression(expr))

	c.council.SetProposer(proposer{c})
	c.registerHandlers()

	if opts.Key != nil {
		device := identity.EncodePublicKey(opts.Key.PublicKey())
		signals := opts.Signals
		if signals == nil {
			signals = trust.HostSource{}
		}
		c.trust, err = trust.NewScorer(opts.Backend, device, signals, c.audit, trust.WithMetrics(opts.Metrics), trust.WithClock(now))
		if err != nil {
			return nil, err
		}
		sessOpts := []session.Option{
			session.WithMetrics(opts.Metrics),
			session.WithClock(now),
			session.WithBackgroundPenalty(defaultInt(cfg.BackgroundPenalty, session.DefaultBackgroundPenalty)),
			session.WithMinPINLength(cfg.MinPINLength),
		}
		if opts.PINParams != nil {
			sessOpts = append(sessOpts, session.WithPINParams(*opts.PINParams))
		}
		c.session, err = session.New(opts.Backend, opts.Key, c.trust, c.audit, sessOpts...)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Device returns the device identity, or "" without a device key.
func (c *Core) Device() string {
	if c.key == nil {
		return ""
	}
	return identity.EncodePublicKey(c.key.PublicKey())
}

// RequireSession reports whether sensitive operations are gated.
func (c *Core) RequireSession() bool { return c.cfg.RequireSession }

// Close closes the archive sink. The backend belongs to the caller.
func (c *Core) Close() error {
	if c.sink != nil {
		return c.sink.Close()
	}
	return nil
}

// gate denies sensitive operations unless the session authorizes them.
func (c *Core) gate(ctx context.Context) error {
	if !c.cfg.RequireSession {
		return nil
	}
	if c.session == nil {
		return ErrNoDeviceKey
	}
	return c.session.Authorize(ctx)
}

func (c *Core) start(ctx context.Context, name, scope, actor string) (*observability.Operation, context.Context) {
	attrs := []attribute.KeyValue{}
	if scope != "" {
		attrs = append(attrs, attribute.String("clan.scope", scope))
	}
	if actor != "" {
		attrs = append(attrs, attribute.String("clan.actor", actor))
	}
	return observability.StartOperation(ctx, c.metrics, "governance."+name, attrs...)
}

// role reports whether actor is the founder or an elder of scope.
func (c *Core) role(ctx context.Context, scope, actor string) (reg *council.Registry, founder, elder bool, err error) {
	reg, err = c.council.Get(ctx, scope)
	if err != nil {
		return nil, false, false, err
	}
	return reg, actor == reg.Founder, reg.IsElder(actor), nil
}

// proposer turns council proposals into approval requests.
type proposer struct{ c *Core }

func (p proposer) Propose(ctx context.Context, prop council.Proposal) (string, error) {
	req, err := p.c.propose(ctx, prop.Scope, prop.Action, prop.Payload, prop.Requester, prop.Quorum)
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

// propose opens a request and counts the requester's own approval.
func (c *Core) propose(ctx context.Context, scope string, act action.Type, payload any, requester string, quorum int) (*approval.Request, error) {
	req, err := c.approvals.CreateRequest(ctx, scope, act, payload, requester, quorum)
	if err != nil {
		return nil, err
	}
	voted, err := c.approvals.Approve(ctx, req.ID, requester)
	if err != nil {
		return nil, fmt.Errorf("requester approval: %w", err)
	}
	return voted, nil
}
