package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/store"
)

const (
	bucket = "audit"

	// DefaultWindow bounds how many recent events Verify loads.
	DefaultWindow = 1000
)

var (
	ErrInvalidScope = errors.New("invalid scope")
	ErrEmptyLog     = errors.New("audit log is empty")
)

// Log is the hash-chained audit log. Appends are serialized per scope;
// appends that bypass the Log (two processes on one store) can fork the
// chain and are not repaired.
type Log struct {
	backend store.Backend
	metrics *observability.Metrics
	locks   store.Locker
	now     func() time.Time
	window  int
}

// Option configures a Log.
type Option func(*Log)

// WithMetrics records appends and failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithWindow sets the default verification window.
func WithWindow(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.window = n
		}
	}
}

// New creates a Log persisting to backend.
func New(backend store.Backend, opts ...Option) *Log {
	l := &Log{backend: backend, now: time.Now, window: DefaultWindow}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append adds an event to the scope's chain and returns it. If the write
// fails the event is not part of the chain; the next append links to the
// last persisted event.
func (l *Log) Append(ctx context.Context, scope string, kind Kind, actor string, details map[string]any) (_ *Event, err error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(scope)
	defer unlock()

	defer func() {
		if l.metrics == nil {
			return
		}
		if err != nil {
			l.metrics.AuditFailures.WithLabelValues(string(kind)).Inc()
		} else {
			l.metrics.AuditAppends.WithLabelValues(string(kind)).Inc()
		}
	}()

	ev, err := l.prepare(ctx, scope, kind, actor, details)
	if err != nil {
		return nil, err
	}
	if err := l.commit(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Record appends best-effort: a failure is logged and counted, never
// returned. Callers use it after a side effect has already happened.
func (l *Log) Record(ctx context.Context, scope string, kind Kind, actor string, details map[string]any) {
	if _, err := l.Append(ctx, scope, kind, actor, details); err != nil {
		slog.WarnContext(ctx, "audit append failed", "scope", scope, "kind", kind, "actor", actor, "error", err)
	}
}

// prepare builds the next event from the last persisted one. Callers hold
// the scope lock.
func (l *Log) prepare(ctx context.Context, scope string, kind Kind, actor string, details map[string]any) (*Event, error) {
	head, err := l.Head(ctx, scope)
	if err != nil && !errors.Is(err, ErrEmptyLog) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	ts := l.now().UTC()
	var prev string
	if head != nil {
		prev = head.Hash
		if !ts.After(head.Timestamp) {
			ts = head.Timestamp.Add(time.Nanosecond)
		}
	}

	ev := &Event{
		ID:        uuid.NewString(),
		Scope:     scope,
		Kind:      kind,
		Actor:     actor,
		Timestamp: ts,
		PrevHash:  prev,
		Details:   details,
	}
	ev.Hash = ev.Recompute()
	return ev, nil
}

func (l *Log) commit(ctx context.Context, ev *Event) error {
	if err := store.PutJSON(ctx, l.backend, bucket, ev.key(), ev); err != nil {
		return fmt.Errorf("persist audit event: %w", err)
	}
	return nil
}

// Head returns the most recent event of scope, or ErrEmptyLog.
func (l *Log) Head(ctx context.Context, scope string) (*Event, error) {
	events, err := l.Recent(ctx, scope, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEmptyLog
	}
	return events[0], nil
}

// ListOptions pages through a scope chronologically.
type ListOptions struct {
	// Since excludes events at or before this instant.
	Since time.Time
	Limit int
}

// List returns events in chronological (ascending) order.
func (l *Log) List(ctx context.Context, scope string, opts ListOptions) ([]*Event, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	so := store.ScanOptions{Prefix: scope + "/", Limit: opts.Limit}
	if !opts.Since.IsZero() {
		// '~' sorts after every uuid character.
		so.After = fmt.Sprintf("%s/%016x/~", scope, uint64(opts.Since.UnixNano()))
	}
	return store.ScanJSON[Event](ctx, l.backend, bucket, so)
}

// Recent returns up to n events, most recent first. Reverse it before
// walking the chain.
func (l *Log) Recent(ctx context.Context, scope string, n int) ([]*Event, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	return store.ScanJSON[Event](ctx, l.backend, bucket, store.ScanOptions{
		Prefix:     scope + "/",
		Limit:      n,
		Descending: true,
	})
}

// Count returns the number of events in scope.
func (l *Log) Count(ctx context.Context, scope string) (int, error) {
	if err := ValidateScope(scope); err != nil {
		return 0, err
	}
	items, err := l.backend.Scan(ctx, bucket, store.ScanOptions{Prefix: scope + "/"})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Mismatch describes one broken link.
type Mismatch struct {
	EventID  string `json:"event_id"`
	Index    int    `json:"index"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("event %s (#%d): %s expected %s, got %s", m.EventID, m.Index, m.Field, m.Expected, m.Actual)
}

// Report is the result of a verification pass.
type Report struct {
	Scope      string     `json:"scope"`
	Checked    int        `json:"checked"`
	Valid      bool       `json:"valid"`
	Head       string     `json:"head,omitempty"`
	Genesis    bool       `json:"genesis"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// Verify checks the most recent window events of scope (DefaultWindow
// when window <= 0). It never repairs anything.
func (l *Log) Verify(ctx context.Context, scope string, window int) (*Report, error) {
	if window <= 0 {
		window = l.window
	}
	recent, err := l.Recent(ctx, scope, window)
	if err != nil {
		return nil, err
	}
	slices.Reverse(recent)

	genesis := true
	if len(recent) == window && len(recent) > 0 {
		older, err := l.backend.Scan(ctx, bucket, store.ScanOptions{
			Prefix:     scope + "/",
			After:      recent[0].key(),
			Limit:      1,
			Descending: true,
		})
		if err != nil {
			return nil, err
		}
		genesis = len(older) == 0
	}

	r := verify(recent, genesis)
	r.Scope = scope
	return r, nil
}

// VerifyRecords rechecks a complete exported chain, starting at genesis.
func VerifyRecords(records []*Event) *Report {
	r := verify(records, true)
	if len(records) > 0 {
		r.Scope = records[0].Scope
	}
	return r
}

// verify walks events in ascending order. A stored hash that disagrees with
// its fields is reported on the event itself; a prevHash that disagrees with
// the preceding event is reported on the following event.
func verify(events []*Event, genesis bool) *Report {
	r := &Report{Checked: len(events), Genesis: genesis}
	for i, ev := range events {
		if got := ev.Recompute(); got != ev.Hash {
			r.Mismatches = append(r.Mismatches, Mismatch{EventID: ev.ID, Index: i, Field: "hash", Expected: got, Actual: ev.Hash})
		}
		switch {
		case i == 0 && genesis:
			if ev.PrevHash != "" {
				r.Mismatches = append(r.Mismatches, Mismatch{EventID: ev.ID, Index: i, Field: "prevHash", Expected: "", Actual: ev.PrevHash})
			}
		case i > 0:
			prev := events[i-1]
			expected := prev.Recompute()
			if ev.PrevHash != expected || ev.PrevHash != prev.Hash {
				r.Mismatches = append(r.Mismatches, Mismatch{EventID: ev.ID, Index: i, Field: "prevHash", Expected: expected, Actual: ev.PrevHash})
			}
		}
	}
	if len(events) > 0 {
		r.Head = events[len(events)-1].Hash
	}
	r.Valid = len(r.Mismatches) == 0
	return r
}
