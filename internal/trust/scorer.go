package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/store"
)

const bucket = "trust"

var ErrNoDevice = errors.New("device identity cannot be empty")

// SignalSource reads the current stability signals of the device.
type SignalSource interface {
	Signals(ctx context.Context) (Signals, error)
}

// SignalFunc adapts a function to SignalSource.
type SignalFunc func(ctx context.Context) (Signals, error)

func (f SignalFunc) Signals(ctx context.Context) (Signals, error) { return f(ctx) }

// State is the persisted baseline of one device. Baseline is false until
// a scoring pass has recorded Signals; a Reduce before that only stores a
// score.
type State struct {
	Device    string    `json:"device"`
	Baseline  bool      `json:"baseline,omitempty"`
	Signals   Signals   `json:"signals"`
	Score     int       `json:"score"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Assessment is the result of one scoring pass. Err is set when scoring
// failed; Tier is then TierRequirePIN.
type Assessment struct {
	Score     int       `json:"score"`
	Tier      Tier      `json:"tier"`
	Penalties []Penalty `json:"penalties,omitempty"`
	Err       error     `json:"-"`
}

// Scorer computes and persists the trust score of one device. Calls are
// serialized.
type Scorer struct {
	backend store.Backend
	device  string
	source  SignalSource
	log     *audit.Log
	metrics *observability.Metrics
	locks   store.Locker
	now     func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// NewScorer creates a scorer for device. Trust events are audited under the
// device identity as scope.
func NewScorer(backend store.Backend, device string, source SignalSource, log *audit.Log, opts ...Option) (*Scorer, error) {
	if device == "" {
		return nil, ErrNoDevice
	}
	s := &Scorer{
		backend: backend,
		device:  device,
		source:  source,
		log:     log,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Device returns the identity the scorer keeps state for.
func (s *Scorer) Device() string { return s.device }

// Evaluate reads fresh signals, scores them against the stored baseline and
// persists the result as the new baseline. It fails closed.
func (s *Scorer) Evaluate(ctx context.Context) Assessment {
	a, err := s.evaluate(ctx)
	if err != nil {
		slog.WarnContext(ctx, "trust evaluation failed, requiring step-up", "device", s.device, "error", err)
		return Assessment{Tier: TierRequirePIN, Err: err}
	}
	return a
}

func (s *Scorer) evaluate(ctx context.Context) (Assessment, error) {
	if s.source == nil {
		return Assessment{}, errors.New("no signal source configured")
	}
	cur, err := s.source.Signals(ctx)
	if err != nil {
		return Assessment{}, fmt.Errorf("read signals: %w", err)
	}

	unlock := s.locks.Lock(s.device)
	defer unlock()

	prev, err := s.load(ctx)
	if err != nil {
		return Assessment{}, err
	}

	var score int
	var penalties []Penalty
	if prev == nil || !prev.Baseline {
		score, penalties = ComputeScore(nil, MaxScore, cur)
	} else {
		score, penalties = ComputeScore(&prev.Signals, prev.Score, cur)
	}

	st := &State{Device: s.device, Baseline: true, Signals: cur, Score: score, UpdatedAt: s.now().UTC()}
	if err := store.PutJSON(ctx, s.backend, bucket, s.device, st); err != nil {
		return Assessment{}, fmt.Errorf("persist trust state: %w", err)
	}
	s.observe(score)

	return Assessment{Score: score, Tier: tierOf(score, penalties), Penalties: penalties}, nil
}

// tierOf maps a score and additionally forces step-up after a change in
// the device identifier or fingerprint, even when the score alone would
// stay normal.
func tierOf(score int, penalties []Penalty) Tier {
	tier := TierFor(score)
	if tier != TierNormal {
		return tier
	}
	for _, p := range penalties {
		if p.Signal == SignalDeviceID || p.Signal == SignalFingerprint {
			return TierRequirePIN
		}
	}
	return tier
}

// Reduce subtracts amount from the stored score without reading signals.
// A device with no baseline starts from MaxScore.
func (s *Scorer) Reduce(ctx context.Context, amount int, reason string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative trust penalty %d", amount)
	}

	unlock := s.locks.Lock(s.device)
	defer unlock()

	st, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	if st == nil {
		st = &State{Device: s.device, Score: MaxScore}
	}
	before := st.Score
	st.Score = clamp(st.Score - amount)
	st.UpdatedAt = s.now().UTC()
	if err := store.PutJSON(ctx, s.backend, bucket, s.device, st); err != nil {
		return 0, fmt.Errorf("persist trust state: %w", err)
	}
	s.observe(st.Score)

	if s.log != nil {
		s.log.Record(ctx, s.device, audit.KindTrustReduced, s.device, map[string]any{
			"amount": amount,
			"reason": reason,
			"before": before,
			"after":  st.Score,
		})
	}
	return st.Score, nil
}

// Current returns the stored state, or nil when the device was never
// scored.
func (s *Scorer) Current(ctx context.Context) (*State, error) {
	unlock := s.locks.Lock(s.device)
	defer unlock()
	return s.load(ctx)
}

// Assess maps the stored score to a tier without reading new signals. It
// fails closed like Evaluate; a device never scored is normal.
func (s *Scorer) Assess(ctx context.Context) Assessment {
	st, err := s.Current(ctx)
	if err != nil {
		return Assessment{Tier: TierRequirePIN, Err: err}
	}
	if st == nil {
		return Assessment{Score: MaxScore, Tier: TierNormal}
	}
	return Assessment{Score: st.Score, Tier: TierFor(st.Score)}
}

func (s *Scorer) load(ctx context.Context) (*State, error) {
	var st State
	err := store.GetJSON(ctx, s.backend, bucket, s.device, &st)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trust state: %w", err)
	}
	return &st, nil
}

func (s *Scorer) observe(score int) {
	if s.metrics != nil {
		s.metrics.TrustScore.WithLabelValues(s.device).Set(float64(score))
	}
}
