package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/store"
	"github.com/gezibash/clan/internal/store/memory"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

const scope = "clan-1"

func newBackend(t *testing.T) store.Backend {
	t.Helper()
	be, err := memory.New()
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	return be
}

func newTestLog(t *testing.T, opts ...Option) (*Log, store.Backend) {
	t.Helper()
	be := newBackend(t)
	return New(be, opts...), be
}

func appendN(t *testing.T, l *Log, n int) []*Event {
	t.Helper()
	events := make([]*Event, n)
	for i := range n {
		ev, err := l.Append(context.Background(), scope, KindApprovalGiven, fmt.Sprintf("elder-%d", i), map[string]any{"i": i})
		require.NoError(t, err)
		events[i] = ev
	}
	return events
}

// overwrite rewrites a persisted event in place, bypassing the chain.
func overwrite(t *testing.T, be store.Backend, ev *Event) {
	t.Helper()
	require.NoError(t, store.PutJSON(context.Background(), be, bucket, ev.key(), ev))
}

func TestAppendChainsEvents(t *testing.T) {
	l, _ := newTestLog(t)
	events := appendN(t, l, 3)

	assert.Empty(t, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, events[1].Hash, events[2].PrevHash)
	for _, ev := range events {
		assert.Equal(t, ev.Recompute(), ev.Hash)
		assert.Len(t, ev.Hash, 64)
	}
}

func TestComputeHashFormat(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	got := ComputeHash("k", ts, "a", "p")
	assert.Equal(t, ComputeHash("k", ts.In(time.FixedZone("x", 3600)), "a", "p"), got, "hash must not depend on the zone")
	assert.NotEqual(t, ComputeHash("k", ts.Add(time.Nanosecond), "a", "p"), got)
	assert.NotEqual(t, ComputeHash("k", ts, "a", ""), got)
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	frozen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLog(t, WithClock(func() time.Time { return frozen }))
	events := appendN(t, l, 5)

	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].Timestamp.After(events[i-1].Timestamp), "event %d not after %d", i, i-1)
	}

	listed, err := l.List(context.Background(), scope, ListOptions{})
	require.NoError(t, err)
	require.Len(t, listed, 5)
	for i := range listed {
		assert.Equal(t, events[i].ID, listed[i].ID)
	}
}

func TestVerifyValidChain(t *testing.T) {
	l, _ := newTestLog(t)
	appendN(t, l, 20)

	r, err := l.Verify(context.Background(), scope, 0)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.True(t, r.Genesis)
	assert.Equal(t, 20, r.Checked)
	assert.Empty(t, r.Mismatches)
}

func TestVerifyEmptyScope(t *testing.T) {
	l, _ := newTestLog(t)
	r, err := l.Verify(context.Background(), "empty", 0)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Zero(t, r.Checked)
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ev *Event)
	}{
		{"kind", func(ev *Event) { ev.Kind = KindElderRemoved }},
		{"actor", func(ev *Event) { ev.Actor = "mallory" }},
		{"timestamp", func(ev *Event) { ev.Timestamp = ev.Timestamp.Add(-time.Microsecond) }},
		{"hash", func(ev *Event) { ev.Hash = ComputeHash("forged", ev.Timestamp, ev.Actor, ev.PrevHash) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, be := newTestLog(t)
			events := appendN(t, l, 5)

			tampered := *events[2]
			tt.mutate(&tampered)
			if tampered.key() != events[2].key() {
				require.NoError(t, be.Delete(context.Background(), bucket, events[2].key()))
			}
			overwrite(t, be, &tampered)

			r, err := l.Verify(context.Background(), scope, 0)
			require.NoError(t, err)
			assert.False(t, r.Valid)

			var following bool
			for _, m := range r.Mismatches {
				if m.EventID == events[3].ID && m.Index == 3 && m.Field == "prevHash" {
					following = true
					assert.Equal(t, events[2].Hash, m.Actual)
				}
			}
			assert.True(t, following, "expected a mismatch on the following event, got %v", r.Mismatches)
		})
	}
}

func TestVerifyGenesisMustHaveEmptyPrevHash(t *testing.T) {
	l, be := newTestLog(t)
	events := appendN(t, l, 2)

	first := *events[0]
	first.PrevHash = "deadbeef"
	first.Hash = first.Recompute()
	overwrite(t, be, &first)

	r, err := l.Verify(context.Background(), scope, 0)
	require.NoError(t, err)
	require.False(t, r.Valid)
	assert.Equal(t, events[0].ID, r.Mismatches[0].EventID)
	assert.Equal(t, "prevHash", r.Mismatches[0].Field)
}

func TestVerifyWindow(t *testing.T) {
	l, _ := newTestLog(t, WithWindow(4))
	appendN(t, l, 10)

	r, err := l.Verify(context.Background(), scope, 0)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.False(t, r.Genesis)
	assert.Equal(t, 4, r.Checked)

	r, err = l.Verify(context.Background(), scope, 10)
	require.NoError(t, err)
	assert.True(t, r.Genesis)
}

func TestUnserializedAppendsFork(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendN(t, l, 2)

	a, err := l.prepare(ctx, scope, KindApprovalGiven, "elder-a", nil)
	require.NoError(t, err)
	b, err := l.prepare(ctx, scope, KindApprovalGiven, "elder-b", nil)
	require.NoError(t, err)
	b.Timestamp = a.Timestamp.Add(time.Nanosecond)
	b.Hash = b.Recompute()
	require.NoError(t, l.commit(ctx, a))
	require.NoError(t, l.commit(ctx, b))

	assert.Equal(t, a.PrevHash, b.PrevHash, "both appends linked to the same head")

	r, err := l.Verify(ctx, scope, 0)
	require.NoError(t, err)
	assert.False(t, r.Valid)
}

func TestConcurrentAppendsStayLinear(t *testing.T) {
	l, _ := newTestLog(t)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(context.Background(), scope, KindApprovalGiven, fmt.Sprintf("elder-%d", i), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	r, err := l.Verify(context.Background(), scope, 0)
	require.NoError(t, err)
	assert.True(t, r.Valid, "mismatches: %v", r.Mismatches)
	assert.Equal(t, 20, r.Checked)
}

type flakyBackend struct {
	store.Backend
	failPuts int
}

func (f *flakyBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("disk full")
	}
	return f.Backend.Put(ctx, bucket, key, value)
}

func TestFailedWriteIsNotAppended(t *testing.T) {
	flaky := &flakyBackend{Backend: newBackend(t)}
	m := observability.NewMetrics()
	l := New(flaky, WithMetrics(m))
	ctx := context.Background()

	first, err := l.Append(ctx, scope, KindRuleCreated, "founder", nil)
	require.NoError(t, err)

	flaky.failPuts = 1
	_, err = l.Append(ctx, scope, KindRuleEdited, "founder", nil)
	require.Error(t, err)

	next, err := l.Append(ctx, scope, KindRuleEdited, "founder", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, next.PrevHash)

	count, err := l.Count(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditFailures.WithLabelValues(string(KindRuleEdited))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditAppends.WithLabelValues(string(KindRuleEdited))))
}

func TestRecordSwallowsErrors(t *testing.T) {
	flaky := &flakyBackend{Backend: newBackend(t), failPuts: 1}
	l := New(flaky)
	l.Record(context.Background(), scope, KindRuleViolation, "member", nil)

	_, err := l.Head(context.Background(), scope)
	assert.ErrorIs(t, err, ErrEmptyLog)
}

func TestListAndRecentOrdering(t *testing.T) {
	l, _ := newTestLog(t)
	events := appendN(t, l, 5)
	ctx := context.Background()

	asc, err := l.List(ctx, scope, ListOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, events[0].ID, asc[0].ID)

	rest, err := l.List(ctx, scope, ListOptions{Since: asc[2].Timestamp})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, events[3].ID, rest[0].ID)

	recent, err := l.Recent(ctx, scope, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, events[4].ID, recent[0].ID)
	assert.Equal(t, events[3].ID, recent[1].ID)

	head, err := l.Head(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, events[4].Hash, head.Hash)
}

func TestScopesAreIndependent(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	a, err := l.Append(ctx, "a", KindCouncilInit, "x", nil)
	require.NoError(t, err)
	b, err := l.Append(ctx, "b", KindCouncilInit, "x", nil)
	require.NoError(t, err)
	assert.Empty(t, a.PrevHash)
	assert.Empty(t, b.PrevHash)
}

func TestInvalidScope(t *testing.T) {
	l, _ := newTestLog(t)
	for _, s := range []string{"", "a/b"} {
		_, err := l.Append(context.Background(), s, KindCouncilInit, "x", nil)
		assert.ErrorIs(t, err, ErrInvalidScope)
	}
}

func TestExportAndVerifyRecords(t *testing.T) {
	l, _ := newTestLog(t)
	events := appendN(t, l, 7)

	exp, err := l.Export(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 7, exp.Count)
	assert.Equal(t, events[6].Hash, exp.Head)

	raw, err := json.Marshal(exp)
	require.NoError(t, err)
	var decoded Export
	require.NoError(t, json.Unmarshal(raw, &decoded))

	r := VerifyRecords(decoded.Records)
	assert.True(t, r.Valid, "mismatches: %v", r.Mismatches)
	assert.Equal(t, scope, r.Scope)

	decoded.Records[3].Actor = "mallory"
	r = VerifyRecords(decoded.Records)
	assert.False(t, r.Valid)
}

func TestAttest(t *testing.T) {
	l, _ := newTestLog(t)
	appendN(t, l, 3)
	kp, err := ed25519.Generate()
	require.NoError(t, err)

	att, err := l.Attest(context.Background(), scope, kp)
	require.NoError(t, err)
	assert.Equal(t, 3, att.Count)
	require.NoError(t, VerifyAttestation(att))

	att.Count = 2
	assert.ErrorIs(t, VerifyAttestation(att), ErrBadAttestation)

	_, err = l.Attest(context.Background(), "empty", kp)
	assert.ErrorIs(t, err, ErrEmptyLog)
}
