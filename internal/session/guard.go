// Package session implements the device session state machine.
//
// A session holds a random token sealed to the device key and the hash of
// that token. Every lifecycle event first re-checks the token against the
// hash; a mismatch is treated as tampering and drops the session. The trust
// tier then decides whether the session stays valid, needs a PIN step-up,
// or is invalidated. All failures deny.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/store"
	"github.com/gezibash/clan/internal/trust"
	"github.com/gezibash/clan/pkg/identity"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

const (
	bucket = "session"

	tokenSize = 32

	DefaultBackgroundPenalty = 5
	DefaultMinPINLength      = 4
	DefaultMaxPINFailures    = 5
)

// State is the session validity state.
type State string

const (
	StateNone       State = "none"
	StateValid      State = "valid"
	StateRequirePIN State = "require-pin"
	StateInvalid    State = "invalid"
)

var (
	ErrNoSession      = errors.New("no active session")
	ErrSessionInvalid = errors.New("session invalidated")
	ErrStepUpRequired = errors.New("PIN step-up required")
	ErrTampered       = errors.New("session token failed its integrity check")
	ErrTrustBlocked   = errors.New("device trust too low")
	ErrPINTooShort    = errors.New("PIN too short")
	ErrNoPIN          = errors.New("no PIN configured")
	ErrWrongPIN       = errors.New("wrong PIN")
)

// Session is the persisted record of one device.
type Session struct {
	Device      string    `json:"device"`
	SealedToken []byte    `json:"sealedToken,omitempty"`
	TokenHash   string    `json:"tokenHash,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	State       State     `json:"state"`
	PIN         string    `json:"pin,omitempty"`
	FailedPINs  int       `json:"failedPins,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Status is the caller-facing view of a session.
type Status struct {
	Device     string            `json:"device"`
	State      State             `json:"state"`
	StartedAt  time.Time         `json:"startedAt,omitzero"`
	TokenHash  string            `json:"tokenHash,omitempty"`
	HasPIN     bool              `json:"hasPin"`
	FailedPINs int               `json:"failedPins,omitempty"`
	Trust      *trust.Assessment `json:"trust,omitempty"`
}

// Trust is the part of trust.Scorer the guard depends on.
type Trust interface {
	Evaluate(ctx context.Context) trust.Assessment
	Assess(ctx context.Context) trust.Assessment
	Reduce(ctx context.Context, amount int, reason string) (int, error)
}

// Guard drives the session of one device. Calls are serialized.
type Guard struct {
	backend store.Backend
	key     *ed25519.Keypair
	device  string
	trust   Trust
	log     *audit.Log
	metrics *observability.Metrics
	locks   store.Locker
	now     func() time.Time

	backgroundPenalty int
	minPINLength      int
	maxPINFailures    int
	pinParams         PINParams
}

// Option configures a Guard.
type Option func(*Guard)

func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithBackgroundPenalty sets the trust penalty applied on Background.
func WithBackgroundPenalty(n int) Option {
	return func(g *Guard) {
		if n >= 0 {
			g.backgroundPenalty = n
		}
	}
}

func WithMinPINLength(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.minPINLength = n
		}
	}
}

// WithMaxPINFailures sets how many wrong PINs invalidate the session.
func WithMaxPINFailures(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxPINFailures = n
		}
	}
}

func WithPINParams(p PINParams) Option {
	return func(g *Guard) { g.pinParams = p }
}

// New creates a guard for the device owning key. Session events are
// audited under the device identity as scope.
func New(backend store.Backend, key *ed25519.Keypair, t Trust, log *audit.Log, opts ...Option) (*Guard, error) {
	if key == nil {
		return nil, errors.New("session guard requires a device key")
	}
	if t == nil {
		return nil, errors.New("session guard requires a trust source")
	}
	g := &Guard{
		backend:           backend,
		key:               key,
		device:            identity.EncodePublicKey(key.PublicKey()),
		trust:             t,
		log:               log,
		now:               time.Now,
		backgroundPenalty: DefaultBackgroundPenalty,
		minPINLength:      DefaultMinPINLength,
		maxPINFailures:    DefaultMaxPINFailures,
		pinParams:         DefaultPINParams,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Device returns the device identity.
func (g *Guard) Device() string { return g.device }

// Init starts a fresh session with a new token. A configured PIN survives.
func (g *Guard) Init(ctx context.Context) (*Status, error) {
	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.initLocked(ctx, s); err != nil {
		return nil, err
	}
	return g.status(s, nil), nil
}

func (g *Guard) initLocked(ctx context.Context, s *Session) error {
	token := make([]byte, tokenSize)
	if _, err := rand.Read(token); err != nil {
		return fmt.Errorf("generate session token: %w", err)
	}
	pub, _, err := g.key.X25519()
	if err != nil {
		return fmt.Errorf("derive device key: %w", err)
	}
	sealed, err := seal(token, pub)
	if err != nil {
		return fmt.Errorf("seal session token: %w", err)
	}

	now := g.now().UTC()
	s.SealedToken = sealed
	s.TokenHash = hashToken(token)
	s.StartedAt = now
	s.FailedPINs = 0
	if err := g.transition(ctx, s, StateValid); err != nil {
		return err
	}
	g.audit(ctx, audit.KindSessionStarted, map[string]any{"tokenHash": s.TokenHash})
	return nil
}

// SelfCheck opens the stored token and compares its hash with the stored
// hash. On mismatch the session is dropped and ErrTampered returned.
func (g *Guard) SelfCheck(ctx context.Context) error {
	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return err
	}
	return g.selfCheckLocked(ctx, s)
}

func (g *Guard) selfCheckLocked(ctx context.Context, s *Session) error {
	switch s.State {
	case StateNone:
		return ErrNoSession
	case StateInvalid:
		// The token was discarded on invalidation.
		return nil
	}
	if g.tokenIntact(s) {
		return nil
	}

	slog.WarnContext(ctx, "session token integrity check failed", "device", g.device)
	s.SealedToken = nil
	s.TokenHash = ""
	s.StartedAt = time.Time{}
	if err := g.transition(ctx, s, StateNone); err != nil {
		return err
	}
	g.audit(ctx, audit.KindSessionTampered, nil)
	return ErrTampered
}

func (g *Guard) tokenIntact(s *Session) bool {
	if len(s.SealedToken) == 0 || s.TokenHash == "" {
		return false
	}
	_, priv, err := g.key.X25519()
	if err != nil {
		return false
	}
	token, err := open(s.SealedToken, priv)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(s.TokenHash)) == 1
}

// Foreground runs on every return to the foreground: the self-check
// first, then a fresh trust evaluation. A block tier invalidates the
// session; a require-pin tier demands step-up; normal keeps the state.
// Tampering is reported through the returned status, not as an error.
func (g *Guard) Foreground(ctx context.Context) (*Status, error) {
	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.selfCheckLocked(ctx, s); err != nil {
		if errors.Is(err, ErrNoSession) || errors.Is(err, ErrTampered) {
			return g.status(s, nil), nil
		}
		return nil, err
	}

	a := g.trust.Evaluate(ctx)
	if s.State == StateInvalid {
		return g.status(s, &a), nil
	}
	switch a.Tier {
	case trust.TierBlock:
		if err := g.invalidateLocked(ctx, s, audit.KindSessionInvalidated, map[string]any{"score": a.Score}); err != nil {
			return nil, err
		}
	case trust.TierRequirePIN:
		if s.State != StateRequirePIN {
			if err := g.transition(ctx, s, StateRequirePIN); err != nil {
				return nil, err
			}
			details := map[string]any{"score": a.Score}
			if a.Err != nil {
				details["error"] = a.Err.Error()
			}
			g.audit(ctx, audit.KindSessionStepUp, details)
		}
	}
	return g.status(s, &a), nil
}

// Background applies the passive trust penalty. The session state does
// not change.
func (g *Guard) Background(ctx context.Context) error {
	if g.backgroundPenalty == 0 {
		return nil
	}
	_, err := g.trust.Reduce(ctx, g.backgroundPenalty, "background")
	return err
}

// SetPIN installs or replaces the step-up PIN. The session must be valid.
func (g *Guard) SetPIN(ctx context.Context, pin string) error {
	if len(pin) < g.minPINLength {
		return fmt.Errorf("%w: need at least %d characters", ErrPINTooShort, g.minPINLength)
	}

	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return err
	}
	if err := g.selfCheckLocked(ctx, s); err != nil {
		return err
	}
	if err := stateErr(s.State); err != nil {
		return err
	}

	verifier, err := hashPIN(pin, g.pinParams)
	if err != nil {
		return err
	}
	replaced := s.PIN != ""
	s.PIN = verifier
	s.FailedPINs = 0
	if err := g.save(ctx, s); err != nil {
		return err
	}
	g.audit(ctx, audit.KindPINSet, map[string]any{"replaced": replaced})
	return nil
}

// StepUp verifies pin. In require-pin a correct PIN starts a fresh
// session; in valid it only confirms the PIN. Too many wrong PINs
// invalidate the session.
func (g *Guard) StepUp(ctx context.Context, pin string) (*Status, error) {
	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.selfCheckLocked(ctx, s); err != nil {
		return nil, err
	}
	if s.State != StateValid && s.State != StateRequirePIN {
		return nil, stateErr(s.State)
	}
	if s.PIN == "" {
		return nil, ErrNoPIN
	}

	ok, err := verifyPIN(pin, s.PIN)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.FailedPINs++
		if s.FailedPINs >= g.maxPINFailures {
			if err := g.invalidateLocked(ctx, s, audit.KindSessionInvalidated, map[string]any{"reason": "too many failed PIN attempts"}); err != nil {
				return nil, err
			}
			return nil, ErrSessionInvalid
		}
		if err := g.save(ctx, s); err != nil {
			return nil, err
		}
		g.audit(ctx, audit.KindPINFailed, map[string]any{"failures": s.FailedPINs})
		return nil, ErrWrongPIN
	}

	if s.State == StateRequirePIN {
		if err := g.initLocked(ctx, s); err != nil {
			return nil, err
		}
	} else if s.FailedPINs > 0 {
		s.FailedPINs = 0
		if err := g.save(ctx, s); err != nil {
			return nil, err
		}
	}
	return g.status(s, nil), nil
}

// Panic invalidates the session immediately.
func (g *Guard) Panic(ctx context.Context) error {
	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return err
	}
	return g.invalidateLocked(ctx, s, audit.KindSessionPanic, nil)
}

func (g *Guard) invalidateLocked(ctx context.Context, s *Session, kind audit.Kind, details map[string]any) error {
	s.SealedToken = nil
	if err := g.transition(ctx, s, StateInvalid); err != nil {
		return err
	}
	g.audit(ctx, kind, details)
	return nil
}

// Authorize is the gate before a sensitive operation: the token must pass
// its self-check, the session must be valid and the stored trust score
// must not be in the block tier.
func (g *Guard) Authorize(ctx context.Context) error {
	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return err
	}
	if err := g.selfCheckLocked(ctx, s); err != nil {
		return err
	}
	if err := stateErr(s.State); err != nil {
		return err
	}

	a := g.trust.Assess(ctx)
	switch {
	case a.Err != nil:
		return fmt.Errorf("%w: %v", ErrStepUpRequired, a.Err)
	case a.Tier == trust.TierBlock:
		return fmt.Errorf("%w: score %d", ErrTrustBlocked, a.Score)
	}
	return nil
}

// CheckIntegrity reports whether Authorize passes.
func (g *Guard) CheckIntegrity(ctx context.Context) bool {
	return g.Authorize(ctx) == nil
}

// Status returns the current session without running any check.
func (g *Guard) Status(ctx context.Context) (*Status, error) {
	unlock := g.locks.Lock(g.device)
	defer unlock()

	s, err := g.load(ctx)
	if err != nil {
		return nil, err
	}
	a := g.trust.Assess(ctx)
	return g.status(s, &a), nil
}

func stateErr(st State) error {
	switch st {
	case StateValid:
		return nil
	case StateRequirePIN:
		return ErrStepUpRequired
	case StateInvalid:
		return ErrSessionInvalid
	default:
		return ErrNoSession
	}
}

func (g *Guard) transition(ctx context.Context, s *Session, to State) error {
	from := s.State
	s.State = to
	if err := g.save(ctx, s); err != nil {
		s.State = from
		return err
	}
	if g.metrics != nil {
		g.metrics.SessionTransitions.WithLabelValues(string(to)).Inc()
	}
	slog.InfoContext(ctx, "session transition", "device", g.device, "from", from, "to", to)
	return nil
}

func (g *Guard) load(ctx context.Context) (*Session, error) {
	var s Session
	err := store.GetJSON(ctx, g.backend, bucket, g.device, &s)
	if errors.Is(err, store.ErrNotFound) {
		return &Session{Device: g.device, State: StateNone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &s, nil
}

func (g *Guard) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = g.now().UTC()
	if err := store.PutJSON(ctx, g.backend, bucket, g.device, s); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (g *Guard) audit(ctx context.Context, kind audit.Kind, details map[string]any) {
	if g.log != nil {
		g.log.Record(ctx, g.device, kind, g.device, details)
	}
}

func (g *Guard) status(s *Session, a *trust.Assessment) *Status {
	return &Status{
		Device:     s.Device,
		State:      s.State,
		StartedAt:  s.StartedAt,
		TokenHash:  s.TokenHash,
		HasPIN:     s.PIN != "",
		FailedPINs: s.FailedPINs,
		Trust:      a,
	}
}

func hashToken(token []byte) string {
	sum := sha256.Sum256(token)
	return hex.EncodeToString(sum[:])
}
