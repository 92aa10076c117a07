package council

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/store/memory"
)

const scope = "clan-1"

type recordingProposer struct {
	proposals []Proposal
	err       error
}

func (p *recordingProposer) Propose(_ context.Context, prop Proposal) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.proposals = append(p.proposals, prop)
	return fmt.Sprintf("req-%d", len(p.proposals)), nil
}

func newService(t *testing.T) (*Service, *audit.Log, *recordingProposer) {
	t.Helper()
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	log := audit.New(be)
	svc := New(be, log)
	p := &recordingProposer{}
	svc.SetProposer(p)
	return svc, log, p
}

func initCouncil(t *testing.T, svc *Service, elders ...string) *Registry {
	t.Helper()
	ctx := context.Background()
	reg, err := svc.Init(ctx, scope, "founder")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range elders {
		if reg, err = svc.ApplyAddElder(ctx, scope, e, "founder"); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestInitIdempotent(t *testing.T) {
	svc, log, _ := newService(t)
	ctx := context.Background()

	reg, err := svc.Init(ctx, scope, "founder")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Quorum != DefaultQuorum || reg.Elders.Len() != 1 || !reg.IsElder("founder") {
		t.Fatalf("unexpected registry %+v", reg)
	}

	again, err := svc.Init(ctx, scope, "someone-else")
	if err != nil {
		t.Fatal(err)
	}
	if again.Founder != "founder" {
		t.Fatalf("second Init replaced founder with %q", again.Founder)
	}
	if n, _ := log.Count(ctx, scope); n != 1 {
		t.Fatalf("audit events = %d, want 1", n)
	}
}

func TestInitValidation(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Init(context.Background(), scope, ""); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("err = %v", err)
	}
	if _, err := svc.Init(context.Background(), "a/b", "founder"); !errors.Is(err, audit.ErrInvalidScope) {
		t.Fatalf("err = %v", err)
	}
}

func TestFounderAddsDirectly(t *testing.T) {
	svc, log, p := newService(t)
	ctx := context.Background()
	initCouncil(t, svc)

	out, err := svc.AddElder(ctx, scope, "alice", "founder", false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pending() || !out.Registry.IsElder("alice") {
		t.Fatalf("outcome = %+v", out)
	}
	if len(p.proposals) != 0 {
		t.Fatal("founder add should not propose")
	}

	head, err := log.Head(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if head.Kind != audit.KindElderAdded {
		t.Fatalf("head kind = %s", head.Kind)
	}
	elders, _ := head.Details["elders"].([]any)
	if len(elders) != 2 || head.Details["founder"] != "founder" {
		t.Fatalf("snapshot = %v", head.Details)
	}
}

func TestFounderWithRequireApprovalProposes(t *testing.T) {
	svc, _, p := newService(t)
	initCouncil(t, svc)

	out, err := svc.AddElder(context.Background(), scope, "alice", "founder", true)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Pending() || out.RequestID != "req-1" {
		t.Fatalf("outcome = %+v", out)
	}
	got := p.proposals[0]
	if got.Action != action.ElderAdd || got.Quorum != DefaultQuorum || got.Payload.(action.ElderPayload).Target != "alice" {
		t.Fatalf("proposal = %+v", got)
	}
}

func TestElderProposes(t *testing.T) {
	svc, _, p := newService(t)
	ctx := context.Background()
	initCouncil(t, svc, "alice")

	out, err := svc.AddElder(ctx, scope, "bob", "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Pending() {
		t.Fatal("elder add should be pending")
	}
	if ok, _ := svc.IsElder(ctx, scope, "bob"); ok {
		t.Fatal("bob seated before approval")
	}

	if _, err := svc.RemoveElder(ctx, scope, "alice", "alice", false); err != nil {
		t.Fatal(err)
	}
	if len(p.proposals) != 2 || p.proposals[1].Action != action.ElderRemove {
		t.Fatalf("proposals = %+v", p.proposals)
	}
}

func TestPreconditions(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	initCouncil(t, svc, "alice")

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"add existing elder", func() error {
			_, err := svc.AddElder(ctx, scope, "alice", "founder", false)
			return err
		}, ErrAlreadyElder},
		{"add by outsider", func() error {
			_, err := svc.AddElder(ctx, scope, "bob", "mallory", false)
			return err
		}, ErrNotElder},
		{"remove non-elder", func() error {
			_, err := svc.RemoveElder(ctx, scope, "bob", "founder", false)
			return err
		}, ErrNotElder},
		{"remove by outsider", func() error {
			_, err := svc.RemoveElder(ctx, scope, "alice", "mallory", false)
			return err
		}, ErrNotElder},
		{"quorum by outsider", func() error {
			_, err := svc.SetQuorum(ctx, scope, 3, "mallory")
			return err
		}, ErrNotElder},
		{"missing council", func() error {
			_, err := svc.AddElder(ctx, "other", "bob", "founder", false)
			return err
		}, ErrNotFound},
		{"empty target", func() error {
			_, err := svc.AddElder(ctx, scope, "", "founder", false)
			return err
		}, ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFounderNeverRemovable(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	initCouncil(t, svc, "alice")

	for _, requester := range []string{"founder", "alice", "mallory", ""} {
		for _, requireApproval := range []bool{false, true} {
			_, err := svc.RemoveElder(ctx, scope, "founder", requester, requireApproval)
			if err == nil {
				t.Fatalf("RemoveElder(founder) by %q succeeded", requester)
			}
		}
	}
	if _, err := svc.ApplyRemoveElder(ctx, scope, "founder", "alice"); !errors.Is(err, ErrFounderProtected) {
		t.Fatalf("ApplyRemoveElder(founder) = %v", err)
	}
	reg, _ := svc.Get(ctx, scope)
	if !reg.IsElder("founder") {
		t.Fatal("founder lost their seat")
	}
}

func TestSetQuorum(t *testing.T) {
	svc, _, p := newService(t)
	ctx := context.Background()
	initCouncil(t, svc, "alice")

	tests := []struct{ in, want int }{{0, 1}, {-4, 1}, {3, 3}, {10, 10}, {42, 10}}
	for _, tt := range tests {
		out, err := svc.SetQuorum(ctx, scope, tt.in, "founder")
		if err != nil {
			t.Fatal(err)
		}
		if out.Registry.Quorum != tt.want {
			t.Fatalf("SetQuorum(%d) = %d, want %d", tt.in, out.Registry.Quorum, tt.want)
		}
	}

	out, err := svc.SetQuorum(ctx, scope, 99, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Pending() {
		t.Fatal("elder quorum change should be pending")
	}
	prop := p.proposals[0]
	sp := prop.Payload.(action.SettingPayload)
	if prop.Action != action.SettingsChange || sp.Key != QuorumSetting || sp.Value != "10" {
		t.Fatalf("proposal = %+v", prop)
	}
}

func TestNoProposer(t *testing.T) {
	svc, _, _ := newService(t)
	svc.SetProposer(nil)
	initCouncil(t, svc, "alice")

	_, err := svc.AddElder(context.Background(), scope, "bob", "alice", false)
	if !errors.Is(err, ErrNoProposer) {
		t.Fatalf("err = %v", err)
	}
}

func TestProposerError(t *testing.T) {
	svc, _, p := newService(t)
	initCouncil(t, svc, "alice")
	p.err = errors.New("store down")

	if _, err := svc.AddElder(context.Background(), scope, "bob", "alice", false); err == nil {
		t.Fatal("expected proposer error")
	}
}

func TestMutationsChainAudit(t *testing.T) {
	svc, log, _ := newService(t)
	ctx := context.Background()
	initCouncil(t, svc, "alice", "bob")
	if _, err := svc.ApplyRemoveElder(ctx, scope, "bob", "founder"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ApplyQuorum(ctx, scope, 1, "founder"); err != nil {
		t.Fatal(err)
	}

	events, err := log.List(ctx, scope, audit.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []audit.Kind{audit.KindCouncilInit, audit.KindElderAdded, audit.KindElderAdded, audit.KindElderRemoved, audit.KindQuorumChanged}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Kind != want[i] {
			t.Fatalf("event %d = %s, want %s", i, ev.Kind, want[i])
		}
	}
	report, err := log.Verify(ctx, scope, 0)
	if err != nil || !report.Valid {
		t.Fatalf("verify = %+v, %v", report, err)
	}
}
