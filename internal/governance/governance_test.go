package governance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gezibash/clan/internal/action"
	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/archive"
	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/enforce"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/roster"
	"github.com/gezibash/clan/internal/rules"
	"github.com/gezibash/clan/internal/session"
	"github.com/gezibash/clan/internal/store/memory"
	"github.com/gezibash/clan/internal/trust"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

const (
	scope   = "clan-1"
	founder = "founder"
	alice   = "alice"
	bob     = "bob"
)

var fastPIN = session.PINParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}

type signals struct {
	mu  sync.Mutex
	cur trust.Signals
}

func (s *signals) Signals(context.Context) (trust.Signals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, nil
}

func (s *signals) set(fn func(*trust.Signals)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
}

type fixture struct {
	core    *Core
	signals *signals
}

func newFixture(t *testing.T, mutate ...func(*Config, *Options)) *fixture {
	t.Helper()
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	kp, err := ed25519.Generate()
	if err != nil {
		t.Fatal(err)
	}

	sig := &signals{cur: trust.Signals{DeviceID: "dev-1", Fingerprint: "fp-1", NetworkType: trust.NetworkWiFi, Connected: true}}
	cfg := Config{DefaultQuorum: 2, RejectThreshold: 2, RequireSession: true}
	pin := fastPIN
	opts := Options{Backend: be, Key: kp, Signals: sig, Metrics: observability.NewMetrics(), PINParams: &pin}
	for _, fn := range mutate {
		fn(&cfg, &opts)
	}
	c, err := New(cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &fixture{core: c, signals: sig}
}

// seated starts a session and seats alice and bob beside the founder.
func (f *fixture) seated(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.core.StartSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.core.InitCouncil(ctx, scope, founder); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{alice, bob} {
		out, err := f.core.AddElder(ctx, scope, id, founder, false)
		if err != nil {
			t.Fatal(err)
		}
		if out.Pending() {
			t.Fatalf("founder AddElder(%s) should apply directly", id)
		}
	}
}

func kinds(t *testing.T, c *Core) []audit.Kind {
	t.Helper()
	events, err := c.AuditEvents(context.Background(), scope, audit.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	out := make([]audit.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func count(ks []audit.Kind, k audit.Kind) int {
	n := 0
	for _, x := range ks {
		if x == k {
			n++
		}
	}
	return n
}

func TestNewRequiresKeyWhenSessionsRequired(t *testing.T) {
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()
	if _, err := New(Config{RequireSession: true}, Options{Backend: be}); !errors.Is(err, ErrNoDeviceKey) {
		t.Fatalf("New without key = %v, want ErrNoDeviceKey", err)
	}
	if _, err := New(Config{}, Options{}); err == nil {
		t.Fatal("New without backend should fail")
	}
	c, err := New(Config{}, Options{Backend: be})
	if err != nil {
		t.Fatal(err)
	}
	if c.Device() != "" {
		t.Fatalf("Device() = %q without key", c.Device())
	}
	if _, err := c.StartSession(context.Background()); !errors.Is(err, ErrNoDeviceKey) {
		t.Fatalf("StartSession without key = %v", err)
	}
}

func TestSensitiveOperationsNeedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.core.InitCouncil(ctx, scope, founder); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("InitCouncil without session = %v, want ErrNoSession", err)
	}
	if _, err := f.core.StartSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.core.InitCouncil(ctx, scope, founder); err != nil {
		t.Fatalf("InitCouncil with session: %v", err)
	}
	if err := f.core.Panic(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.core.AddElder(ctx, scope, alice, founder, false); !errors.Is(err, session.ErrSessionInvalid) {
		t.Fatalf("AddElder after panic = %v, want ErrSessionInvalid", err)
	}
}

func TestUngatedCoreSkipsSession(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Options) { c.RequireSession = false })
	if _, err := f.core.InitCouncil(context.Background(), scope, founder); err != nil {
		t.Fatalf("InitCouncil without required session: %v", err)
	}
}

func TestRuleCreateThroughQuorum(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	out, err := f.core.CreateRule(ctx, scope, alice, RuleInput{Text: "No links in messages"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Pending() || out.Rule != nil {
		t.Fatalf("elder rule should be pending, got %+v", out)
	}
	req := out.Request
	if req.Action != action.RuleCreate || req.Approvals.Len() != 1 || !req.Approvals.Has(alice) {
		t.Fatalf("request = %+v, want RULE_CREATE approved by alice", req)
	}

	if _, err := f.core.Approve(ctx, req.ID, alice); !errors.Is(err, approval.ErrAlreadyApproved) {
		t.Fatalf("second approval by requester = %v, want ErrAlreadyApproved", err)
	}
	got, err := f.core.Approve(ctx, req.ID, bob)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != approval.StatusApproved || !got.Executed {
		t.Fatalf("after quorum status=%s executed=%v", got.Status, got.Executed)
	}

	rs, err := f.core.Rules(ctx, scope, rules.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 || !rs[0].Enabled || rs[0].Text != "No links in messages" {
		t.Fatalf("rules = %+v", rs)
	}
	if !rs[0].Approvals.Has(alice) || !rs[0].Approvals.Has(bob) {
		t.Fatalf("rule approvals = %v", rs[0].Approvals.Items())
	}

	ks := kinds(t, f.core)
	if count(ks, audit.KindApprovalGiven) != 2 || count(ks, audit.KindApprovalExecuted) != 1 {
		t.Fatalf("audit kinds = %v", ks)
	}
	rep, err := f.core.VerifyAudit(ctx, scope, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid {
		t.Fatalf("audit chain invalid: %+v", rep)
	}

	d := f.core.Check(ctx, scope, enforce.ActionSendMessage, enforce.Context{Actor: bob, Content: "see https://example.com"})
	if d.Allowed {
		t.Fatal("live rule should deny links")
	}
}

func TestFounderRulesApplyDirectly(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	out, err := f.core.CreateRule(ctx, scope, founder, RuleInput{TemplateID: "no-links"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Pending() || out.Rule == nil || !out.Rule.Enabled {
		t.Fatalf("founder rule = %+v", out)
	}
	id := out.Rule.ID

	edited, err := f.core.EditRule(ctx, scope, id, "No all caps messages", founder)
	if err != nil {
		t.Fatal(err)
	}
	if edited.Rule.Version != 2 || edited.Rule.Enabled {
		t.Fatalf("edited rule = %+v, want version 2 awaiting approval", edited.Rule)
	}
	r, err := f.core.ApproveRule(ctx, scope, id, alice)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Enabled {
		t.Fatal("rule should be enabled at quorum")
	}

	if _, err := f.core.SetRuleEnabled(ctx, scope, id, false, alice); !errors.Is(err, ErrFounderOnly) {
		t.Fatalf("elder toggle = %v, want ErrFounderOnly", err)
	}
	if _, err := f.core.SetRuleEnabled(ctx, scope, id, false, founder); err != nil {
		t.Fatal(err)
	}

	del, err := f.core.DeleteRule(ctx, scope, id, founder)
	if err != nil || !del.Rule.Deleted {
		t.Fatalf("DeleteRule = %+v, %v", del, err)
	}
	if _, err := f.core.EditRule(ctx, scope, id, "anything", founder); !errors.Is(err, rules.ErrDeleted) {
		t.Fatalf("edit deleted = %v, want ErrDeleted", err)
	}
	hist, err := f.core.RuleHistory(ctx, scope, id)
	if err != nil {
		t.Fatal(err)
	}
	if hist[0].Action != "created" || hist[len(hist)-1].Action != "deleted" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestRuleValidation(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	if _, err := f.core.CreateRule(ctx, scope, "mallory", RuleInput{Text: "x"}); !errors.Is(err, council.ErrNotElder) {
		t.Fatalf("non-elder create = %v", err)
	}
	if _, err := f.core.CreateRule(ctx, scope, founder, RuleInput{Text: "   "}); !errors.Is(err, rules.ErrEmptyText) {
		t.Fatalf("empty rule = %v", err)
	}
	if _, err := f.core.CreateRule(ctx, scope, founder, RuleInput{Text: "cel: content.size("}); err == nil {
		t.Fatal("invalid expression should be rejected")
	}
	if _, err := f.core.CreateRule(ctx, scope, founder, RuleInput{TemplateID: "nope"}); err == nil {
		t.Fatal("unknown template should be rejected")
	}
}

func TestElderRuleEditAndDelete(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	out, err := f.core.CreateRule(ctx, scope, founder, RuleInput{Text: "No links in messages"})
	if err != nil {
		t.Fatal(err)
	}
	id := out.Rule.ID

	edit, err := f.core.EditRule(ctx, scope, id, "No all caps messages", alice)
	if err != nil {
		t.Fatal(err)
	}
	if !edit.Pending() {
		t.Fatal("elder edit should be pending")
	}
	if _, err := f.core.Approve(ctx, edit.Request.ID, bob); err != nil {
		t.Fatal(err)
	}
	r, err := f.core.Rule(ctx, scope, id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Text != "No all caps messages" || r.Version != 2 || !r.Enabled {
		t.Fatalf("rule after edit request = %+v", r)
	}

	del, err := f.core.DeleteRule(ctx, scope, id, bob)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.core.Reject(ctx, del.Request.ID, alice); err != nil {
		t.Fatal(err)
	}
	if _, err := f.core.Reject(ctx, del.Request.ID, founder); err != nil {
		t.Fatal(err)
	}
	got, err := f.core.Request(ctx, del.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != approval.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if r, _ := f.core.Rule(ctx, scope, id); r.Deleted {
		t.Fatal("rejected delete must not delete")
	}
}

func TestMembers(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	if _, err := f.core.Join(ctx, scope, "dave"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.core.PromoteMember(ctx, scope, "erin", "", founder); !errors.Is(err, roster.ErrNotMember) {
		t.Fatalf("promote stranger = %v, want ErrNotMember", err)
	}

	out, err := f.core.PromoteMember(ctx, scope, "dave", "", founder)
	if err != nil {
		t.Fatal(err)
	}
	if out.Member == nil || out.Member.Role != roster.RoleModerator {
		t.Fatalf("founder promote = %+v", out)
	}

	out, err = f.core.DemoteMember(ctx, scope, "dave", alice)
	if err != nil {
		t.Fatal(err)
	}
	if out.Request == nil {
		t.Fatal("elder demote should open a request")
	}
	if _, err := f.core.Approve(ctx, out.Request.ID, bob); err != nil {
		t.Fatal(err)
	}
	role, err := f.core.Role(ctx, scope, "dave")
	if err != nil || role != roster.RoleMember {
		t.Fatalf("role = %s, %v; want member", role, err)
	}
	if role, _ := f.core.Role(ctx, scope, founder); role != roster.RoleFounder {
		t.Fatalf("founder role = %s", role)
	}

	if _, err := f.core.RemoveMember(ctx, scope, "dave", founder); err != nil {
		t.Fatal(err)
	}
	ms, err := f.core.Members(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range ms {
		if m.Identity == "dave" {
			t.Fatal("dave should be removed")
		}
	}
}

func TestSettings(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	out, err := f.core.SetSetting(ctx, scope, "welcome", "hi", founder)
	if err != nil {
		t.Fatal(err)
	}
	if out.Settings["welcome"] != "hi" {
		t.Fatalf("settings = %v", out.Settings)
	}

	out, err = f.core.SetSetting(ctx, scope, council.QuorumSetting, "3", alice)
	if err != nil {
		t.Fatal(err)
	}
	if out.Request == nil || out.Request.Action != action.SettingsChange {
		t.Fatalf("elder quorum change = %+v", out)
	}
	if _, err := f.core.Approve(ctx, out.Request.ID, bob); err != nil {
		t.Fatal(err)
	}
	reg, err := f.core.Council(ctx, scope)
	if err != nil || reg.Quorum != 3 {
		t.Fatalf("quorum = %+v, %v; want 3", reg, err)
	}

	if _, err := f.core.SetSetting(ctx, scope, council.QuorumSetting, "many", founder); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad quorum = %v", err)
	}
}

func TestProposeCustomAndCancel(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	if _, err := f.core.Propose(ctx, scope, action.Custom, action.CustomPayload{Name: "pin"}, "mallory"); !errors.Is(err, council.ErrNotElder) {
		t.Fatalf("non-elder propose = %v", err)
	}
	req, err := f.core.Propose(ctx, scope, action.Custom, action.CustomPayload{Name: "pin-message"}, alice)
	if err != nil {
		t.Fatal(err)
	}
	found, err := f.core.ResolveRequest(ctx, scope, req.ID[:8])
	if err != nil || found.ID != req.ID {
		t.Fatalf("ResolveRequest = %v, %v", found, err)
	}
	if _, err := f.core.Approve(ctx, req.ID, founder); err != nil {
		t.Fatal(err)
	}
	if n := count(kinds(t, f.core), audit.KindCustomAction); n != 1 {
		t.Fatalf("custom actions = %d, want 1", n)
	}

	other, err := f.core.Propose(ctx, scope, action.Custom, action.CustomPayload{Name: "poll"}, bob)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.core.Cancel(ctx, other.ID, alice); !errors.Is(err, approval.ErrNotRequester) {
		t.Fatalf("cancel by other = %v", err)
	}
	if err := f.core.Cancel(ctx, other.ID, bob); err != nil {
		t.Fatal(err)
	}
	pending, err := f.core.Requests(ctx, scope, approval.ListOptions{Status: approval.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestFingerprintChangeRequiresStepUp(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	if err := f.core.SetPIN(ctx, "2468"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.core.Foreground(ctx); err != nil {
		t.Fatal(err)
	}

	f.signals.set(func(s *trust.Signals) { s.Fingerprint = "fp-2" })
	st, err := f.core.Foreground(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != session.StateRequirePIN || st.Trust == nil || st.Trust.Score > 75 {
		t.Fatalf("status after fingerprint change = %+v", st)
	}
	if _, err := f.core.InitCouncil(ctx, "clan-2", founder); !errors.Is(err, session.ErrStepUpRequired) {
		t.Fatalf("gated op in require-pin = %v, want ErrStepUpRequired", err)
	}
	if _, err := f.core.StepUp(ctx, "0000"); !errors.Is(err, session.ErrWrongPIN) {
		t.Fatalf("wrong PIN = %v", err)
	}
	if _, err := f.core.StepUp(ctx, "2468"); err != nil {
		t.Fatal(err)
	}
	if err := f.core.Authorize(ctx); err != nil {
		t.Fatalf("Authorize after step-up = %v", err)
	}
}

func TestTrustReduceBlocks(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	ctx := context.Background()

	if _, err := f.core.EvaluateTrust(ctx); err != nil {
		t.Fatal(err)
	}
	score, err := f.core.ReduceTrust(ctx, 70, "remote wipe")
	if err != nil {
		t.Fatal(err)
	}
	if score != 30 {
		t.Fatalf("score = %d, want 30", score)
	}
	if err := f.core.Authorize(ctx); !errors.Is(err, session.ErrTrustBlocked) {
		t.Fatalf("Authorize at 30 = %v, want ErrTrustBlocked", err)
	}
	st, err := f.core.TrustState(ctx)
	if err != nil || st == nil || st.Score != 30 {
		t.Fatalf("TrustState = %+v, %v", st, err)
	}
}

func TestExportAndAttest(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, func(_ *Config, o *Options) {
		sink, err := archive.NewFileSink(map[string]string{archive.KeyDir: dir})
		if err != nil {
			t.Fatal(err)
		}
		o.Archive = sink
	})
	f.seated(t)
	ctx := context.Background()

	res, err := f.core.ExportAudit(ctx, scope, founder, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Location == "" || res.Export.Count == 0 {
		t.Fatalf("export = %+v", res)
	}
	last, err := f.core.AuditHead(ctx, scope)
	if err != nil || last.Kind != audit.KindAuditExported {
		t.Fatalf("head = %+v, %v; want audit_exported", last, err)
	}

	att, err := f.core.Attest(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if att.Signer != f.core.Device() || att.Head != last.Hash {
		t.Fatalf("attestation = %+v", att)
	}
	if err := audit.VerifyAttestation(att); err != nil {
		t.Fatalf("VerifyAttestation: %v", err)
	}
}

func TestExportWithoutSink(t *testing.T) {
	f := newFixture(t)
	f.seated(t)
	if _, err := f.core.ExportAudit(context.Background(), scope, founder, true); !errors.Is(err, ErrNoArchive) {
		t.Fatalf("archive without sink = %v, want ErrNoArchive", err)
	}
	res, err := f.core.ExportAudit(context.Background(), scope, founder, false)
	if err != nil || res.Location != "" {
		t.Fatalf("plain export = %+v, %v", res, err)
	}
}
