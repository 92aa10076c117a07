// Package council keeps the founder, elder set and quorum of each group.
//
// The founder mutates the council directly. Every other elder's request is
// turned into an approval request through a Proposer; once the request is
// approved, its executor calls the Apply functions.
package council

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/set"
	"github.com/gezibash/clan/internal/store"
)

const (
	bucket = "council"

	MinQuorum     = 1
	MaxQuorum     = 10
	DefaultQuorum = 2

	// QuorumSetting is the settings key a non-founder quorum change proposes.
	QuorumSetting = "council.quorum"
)

var (
	ErrNotFound         = errors.New("council not found")
	ErrNotElder         = errors.New("not an elder")
	ErrAlreadyElder     = errors.New("already an elder")
	ErrFounderProtected = errors.New("founder cannot be removed")
	ErrNoProposer       = errors.New("approval required but no proposer configured")
	ErrInvalidIdentity  = errors.New("identity cannot be empty")
)

// Registry is one group's council.
type Registry struct {
	Scope     string      `json:"scope"`
	Founder   string      `json:"founder"`
	Elders    set.Ordered `json:"elders"`
	Quorum    int         `json:"quorum"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// IsElder reports whether id sits on the council. The founder always does.
func (r *Registry) IsElder(id string) bool {
	return id == r.Founder || r.Elders.Has(id)
}

// snapshot is the full post-mutation state written to the audit log.
func (r *Registry) snapshot(extra map[string]any) map[string]any {
	d := map[string]any{
		"founder": r.Founder,
		"elders":  r.Elders.Items(),
		"quorum":  r.Quorum,
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

// Proposal is what a Proposer turns into an approval request.
type Proposal struct {
	Scope     string
	Action    action.Type
	Payload   any
	Requester string
	Quorum    int
}

// Proposer creates approval requests for mutations that need sign-off.
type Proposer interface {
	Propose(ctx context.Context, p Proposal) (string, error)
}

// Outcome is the result of a council mutation: either the updated registry
// or the id of the approval request standing in for it.
type Outcome struct {
	Registry  *Registry `json:"registry,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

// Pending reports whether the mutation awaits approval.
func (o *Outcome) Pending() bool { return o.RequestID != "" }

// ClampQuorum bounds n to [MinQuorum, MaxQuorum].
func ClampQuorum(n int) int {
	return max(MinQuorum, min(MaxQuorum, n))
}

// Service persists council registries.
type Service struct {
	backend       store.Backend
	log           *audit.Log
	proposer      Proposer
	locks         store.Locker
	now           func() time.Time
	defaultQuorum int
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultQuorum sets the quorum of newly initialized councils.
func WithDefaultQuorum(n int) Option {
	return func(s *Service) { s.defaultQuorum = ClampQuorum(n) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a council service.
func New(backend store.Backend, log *audit.Log, opts ...Option) *Service {
	s := &Service{backend: backend, log: log, now: time.Now, defaultQuorum: DefaultQuorum}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetProposer installs the collaborator that creates approval requests.
// The approval workflow's executors call back into this service, so the
// two are wired after both exist.
func (s *Service) SetProposer(p Proposer) { s.proposer = p }

// Init creates the council of scope with founder as its only elder. It is
// idempotent: an existing council is returned unchanged.
func (s *Service) Init(ctx context.Context, scope, founder string) (*Registry, error) {
	if err := audit.ValidateScope(scope); err != nil {
		return nil, err
	}
	if founder == "" {
		return nil, ErrInvalidIdentity
	}

	unlock := s.locks.Lock(scope)
	defer unlock()

	reg, err := s.load(ctx, scope)
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	reg = &Registry{
		Scope:     scope,
		Founder:   founder,
		Elders:    set.Of(founder),
		Quorum:    s.defaultQuorum,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, reg); err != nil {
		return nil, err
	}
	s.log.Record(ctx, scope, audit.KindCouncilInit, founder, reg.snapshot(nil))
	return reg, nil
}

// Get returns the council of scope.
func (s *Service) Get(ctx context.Context, scope string) (*Registry, error) {
	return s.load(ctx, scope)
}

// IsElder reports whether id is an elder of scope. A missing council has
// no elders.
func (s *Service) IsElder(ctx context.Context, scope, id string) (bool, error) {
	reg, err := s.load(ctx, scope)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reg.IsElder(id), nil
}

// Quorum returns the current quorum of scope.
func (s *Service) Quorum(ctx context.Context, scope string) (int, error) {
	reg, err := s.load(ctx, scope)
	if err != nil {
		return 0, err
	}
	return reg.Quorum, nil
}

// AddElder seats target. The founder acts directly unless requireApproval
// is set; any other elder's request becomes an ELDER_ADD approval request.
func (s *Service) AddElder(ctx context.Context, scope, target, requester string, requireApproval bool) (*Outcome, error) {
	if target == "" || requester == "" {
		return nil, ErrInvalidIdentity
	}
	reg, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !reg.IsElder(requester) {
		return nil, fmt.Errorf("requester %s: %w", requester, ErrNotElder)
	}
	if reg.IsElder(target) {
		return nil, fmt.Errorf("%s: %w", target, ErrAlreadyElder)
	}

	if requester == reg.Founder && !requireApproval {
		reg, err := s.ApplyAddElder(ctx, scope, target, requester)
		if err != nil {
			return nil, err
		}
		return &Outcome{Registry: reg}, nil
	}
	return s.propose(ctx, reg, action.ElderAdd, action.ElderPayload{Target: target}, requester)
}

// RemoveElder unseats target. The founder is never removable, by anyone.
func (s *Service) RemoveElder(ctx context.Context, scope, target, requester string, requireApproval bool) (*Outcome, error) {
	if target == "" || requester == "" {
		return nil, ErrInvalidIdentity
	}
	reg, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if target == reg.Founder {
		return nil, ErrFounderProtected
	}
	if !reg.IsElder(requester) {
		return nil, fmt.Errorf("requester %s: %w", requester, ErrNotElder)
	}
	if !reg.IsElder(target) {
		return nil, fmt.Errorf("%s: %w", target, ErrNotElder)
	}

	if requester == reg.Founder && !requireApproval {
		reg, err := s.ApplyRemoveElder(ctx, scope, target, requester)
		if err != nil {
			return nil, err
		}
		return &Outcome{Registry: reg}, nil
	}
	return s.propose(ctx, reg, action.ElderRemove, action.ElderPayload{Target: target}, requester)
}

// SetQuorum changes the quorum, clamped to [MinQuorum, MaxQuorum]. Elders
// other than the founder propose a SETTINGS_CHANGE for QuorumSetting.
func (s *Service) SetQuorum(ctx context.Context, scope string, n int, requester string) (*Outcome, error) {
	if requester == "" {
		return nil, ErrInvalidIdentity
	}
	reg, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !reg.IsElder(requester) {
		return nil, fmt.Errorf("requester %s: %w", requester, ErrNotElder)
	}
	n = ClampQuorum(n)

	if requester == reg.Founder {
		reg, err := s.ApplyQuorum(ctx, scope, n, requester)
		if err != nil {
			return nil, err
		}
		return &Outcome{Registry: reg}, nil
	}
	payload := action.SettingPayload{Key: QuorumSetting, Value: fmt.Sprint(n)}
	return s.propose(ctx, reg, action.SettingsChange, payload, requester)
}

func (s *Service) propose(ctx context.Context, reg *Registry, act action.Type, payload any, requester string) (*Outcome, error) {
	if s.proposer == nil {
		return nil, ErrNoProposer
	}
	id, err := s.proposer.Propose(ctx, Proposal{
		Scope:     reg.Scope,
		Action:    act,
		Payload:   payload,
		Requester: requester,
		Quorum:    reg.Quorum,
	})
	if err != nil {
		return nil, fmt.Errorf("propose %s: %w", act, err)
	}
	return &Outcome{RequestID: id}, nil
}

// ApplyAddElder seats target without an authorization check.
func (s *Service) ApplyAddElder(ctx context.Context, scope, target, actor string) (*Registry, error) {
	return s.mutate(ctx, scope, actor, audit.KindElderAdded, map[string]any{"target": target}, func(reg *Registry) error {
		if reg.IsElder(target) {
			return fmt.Errorf("%s: %w", target, ErrAlreadyElder)
		}
		reg.Elders.Add(target)
		return nil
	})
}

// ApplyRemoveElder unseats target without an authorization check. The
// founder stays protected.
func (s *Service) ApplyRemoveElder(ctx context.Context, scope, target, actor string) (*Registry, error) {
	return s.mutate(ctx, scope, actor, audit.KindElderRemoved, map[string]any{"target": target}, func(reg *Registry) error {
		if target == reg.Founder {
			return ErrFounderProtected
		}
		if !reg.Elders.Remove(target) {
			return fmt.Errorf("%s: %w", target, ErrNotElder)
		}
		return nil
	})
}

// ApplyQuorum sets the quorum without an authorization check.
func (s *Service) ApplyQuorum(ctx context.Context, scope string, n int, actor string) (*Registry, error) {
	n = ClampQuorum(n)
	return s.mutate(ctx, scope, actor, audit.KindQuorumChanged, nil, func(reg *Registry) error {
		reg.Quorum = n
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, scope, actor string, kind audit.Kind, extra map[string]any, fn func(*Registry) error) (*Registry, error) {
	unlock := s.locks.Lock(scope)
	defer unlock()

	reg, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := fn(reg); err != nil {
		return nil, err
	}
	reg.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, reg); err != nil {
		return nil, err
	}
	s.log.Record(ctx, scope, kind, actor, reg.snapshot(extra))
	return reg, nil
}

func (s *Service) load(ctx context.Context, scope string) (*Registry, error) {
	var reg Registry
	err := store.GetJSON(ctx, s.backend, bucket, scope, &reg)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load council: %w", err)
	}
	return &reg, nil
}

func (s *Service) save(ctx context.Context, reg *Registry) error {
	if err := store.PutJSON(ctx, s.backend, bucket, reg.Scope, reg); err != nil {
		return fmt.Errorf("save council: %w", err)
	}
	return nil
}
