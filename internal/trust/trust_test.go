package trust

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/store/memory"
)

const device = "ed25519:abcd"

var stable = Signals{DeviceID: "dev-1", Fingerprint: "fp-1", NetworkType: NetworkWiFi, Connected: true}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score int
		want  Tier
	}{
		{100, TierNormal},
		{71, TierNormal},
		{70, TierRequirePIN},
		{40, TierRequirePIN},
		{39, TierBlock},
		{0, TierBlock},
	}
	for _, tt := range tests {
		if got := TierFor(tt.score); got != tt.want {
			t.Errorf("TierFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestComputeScore(t *testing.T) {
	tests := []struct {
		name      string
		prev      *Signals
		prevScore int
		cur       Signals
		want      int
	}{
		{"first run", nil, 0, stable, 100},
		{"first run offline", nil, 0, Signals{DeviceID: "dev-1"}, 90},
		{"unchanged", &stable, 100, stable, 100},
		{"device id", &stable, 100, with(func(s *Signals) { s.DeviceID = "dev-2" }), 70},
		{"fingerprint", &stable, 100, with(func(s *Signals) { s.Fingerprint = "fp-2" }), 75},
		{"network and offline", &stable, 100, with(func(s *Signals) { s.NetworkType = NetworkCellular; s.Connected = false }), 80},
		{"hysteresis", &stable, 70, stable, 95},
		{"no hysteresis above 70", &stable, 71, stable, 100},
		{"everything", &stable, 10, Signals{DeviceID: "x", Fingerprint: "y", NetworkType: NetworkNone}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ComputeScore(tt.prev, tt.prevScore, tt.cur)
			if got != tt.want {
				t.Errorf("score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComputeScoreBounds(t *testing.T) {
	worst, penalties := ComputeScore(&stable, 0, Signals{DeviceID: "x", Fingerprint: "y", NetworkType: "z"})
	if worst >= BlockBelow {
		t.Errorf("all penalties score = %d, want < %d", worst, BlockBelow)
	}
	if len(penalties) != 5 {
		t.Errorf("penalties = %v, want 5", penalties)
	}
	for prevScore := range MaxScore + 1 {
		s, _ := ComputeScore(&stable, prevScore, Signals{})
		if s < 0 || s > MaxScore {
			t.Fatalf("score %d out of range", s)
		}
	}
}

func with(f func(*Signals)) Signals {
	s := stable
	f(&s)
	return s
}

type fakeSource struct {
	sig Signals
	err error
}

func (f *fakeSource) Signals(context.Context) (Signals, error) { return f.sig, f.err }

func newScorer(t *testing.T, src SignalSource) (*Scorer, *audit.Log, *observability.Metrics) {
	t.Helper()
	be, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	log := audit.New(be)
	m := observability.NewMetrics()
	s, err := NewScorer(be, device, src, log, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	return s, log, m
}

func TestScorerFingerprintChangeRequiresPIN(t *testing.T) {
	src := &fakeSource{sig: stable}
	s, _, m := newScorer(t, src)
	ctx := context.Background()

	a := s.Evaluate(ctx)
	if a.Score != 100 || a.Tier != TierNormal {
		t.Fatalf("first assessment = %+v", a)
	}

	src.sig.Fingerprint = "fp-2"
	a = s.Evaluate(ctx)
	if a.Score > 75 {
		t.Errorf("score = %d, want <= 75", a.Score)
	}
	if a.Tier != TierRequirePIN {
		t.Errorf("tier = %s, want require-pin", a.Tier)
	}
	if got := testutil.ToFloat64(m.TrustScore.WithLabelValues(device)); got != 75 {
		t.Errorf("gauge = %v, want 75", got)
	}

	// The changed fingerprint is now the baseline.
	a = s.Evaluate(ctx)
	if a.Score != 100 || a.Tier != TierNormal {
		t.Errorf("after rebaseline = %+v", a)
	}
}

func TestScorerHysteresisAfterLowScore(t *testing.T) {
	src := &fakeSource{sig: stable}
	s, _, _ := newScorer(t, src)
	ctx := context.Background()
	s.Evaluate(ctx)

	src.sig.DeviceID = "dev-2"
	if a := s.Evaluate(ctx); a.Score != 70 || a.Tier != TierRequirePIN {
		t.Fatalf("after device change = %+v", a)
	}
	if a := s.Evaluate(ctx); a.Score != 95 || a.Tier != TierNormal {
		t.Fatalf("recovery pass = %+v, want 95 normal", a)
	}
}

func TestScorerFailsClosed(t *testing.T) {
	s, _, _ := newScorer(t, &fakeSource{err: errors.New("sensor offline")})
	a := s.Evaluate(context.Background())
	if a.Tier != TierRequirePIN || a.Err == nil {
		t.Fatalf("assessment = %+v, want require-pin with error", a)
	}

	s, _, _ = newScorer(t, nil)
	if a := s.Evaluate(context.Background()); a.Tier != TierRequirePIN {
		t.Fatalf("nil source tier = %s", a.Tier)
	}
}

func TestScorerReduceBeforeFirstEvaluate(t *testing.T) {
	s, _, _ := newScorer(t, &fakeSource{sig: stable})
	ctx := context.Background()

	if _, err := s.Reduce(ctx, 5, "background"); err != nil {
		t.Fatal(err)
	}
	st, err := s.Current(ctx)
	if err != nil || st == nil || st.Baseline {
		t.Fatalf("state after reduce = %+v, %v; want stored score without baseline", st, err)
	}

	a := s.Evaluate(ctx)
	if a.Score != MaxScore || a.Tier != TierNormal || len(a.Penalties) != 0 {
		t.Fatalf("first evaluate after reduce = %+v, want unpenalized normal", a)
	}
	if st, _ := s.Current(ctx); !st.Baseline || st.Signals != stable {
		t.Fatalf("baseline not recorded: %+v", st)
	}
	if a := s.Evaluate(ctx); a.Score != MaxScore || a.Tier != TierNormal {
		t.Fatalf("second evaluate = %+v", a)
	}
}

func TestScorerReduce(t *testing.T) {
	s, log, _ := newScorer(t, &fakeSource{sig: stable})
	ctx := context.Background()

	score, err := s.Reduce(ctx, 5, "background")
	if err != nil {
		t.Fatal(err)
	}
	if score != 95 {
		t.Errorf("score = %d, want 95", score)
	}
	if _, err := s.Reduce(ctx, -1, "x"); err == nil {
		t.Error("negative penalty should fail")
	}
	if score, _ = s.Reduce(ctx, 500, "wipe"); score != 0 {
		t.Errorf("score = %d, want clamp to 0", score)
	}
	if a := s.Assess(ctx); a.Tier != TierBlock {
		t.Errorf("Assess tier = %s, want block", a.Tier)
	}

	head, err := log.Head(ctx, device)
	if err != nil {
		t.Fatal(err)
	}
	if head.Kind != audit.KindTrustReduced || head.Details["reason"] != "wipe" {
		t.Errorf("head = %+v", head)
	}
}

func TestScorerRequiresDevice(t *testing.T) {
	if _, err := NewScorer(nil, "", nil, nil); !errors.Is(err, ErrNoDevice) {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
}

func TestHostSource(t *testing.T) {
	ifaces := []Interface{
		{Name: "lo", Up: true, Loopback: true, Routable: false},
		{Name: "wlan0", MAC: "aa:bb", Up: true, Routable: true},
		{Name: "eth0", MAC: "cc:dd", Up: false},
	}
	h := HostSource{
		Interfaces: func() ([]Interface, error) { return ifaces, nil },
		Hostname:   func() (string, error) { return "box", nil },
		MachineID:  func() (string, error) { return "", errors.New("no machine id") },
	}
	sig, err := h.Signals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sig.DeviceID != "host:box" {
		t.Errorf("DeviceID = %q", sig.DeviceID)
	}
	if sig.NetworkType != NetworkWiFi || !sig.Connected {
		t.Errorf("network = %s connected=%v", sig.NetworkType, sig.Connected)
	}

	// Bringing the ethernet link up changes the network, not the fingerprint.
	ifaces[1].Up = false
	ifaces[2].Up, ifaces[2].Routable = true, true
	next, err := h.Signals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if next.Fingerprint != sig.Fingerprint {
		t.Error("fingerprint should not depend on link state")
	}
	if next.NetworkType != NetworkEthernet {
		t.Errorf("network = %s, want ethernet", next.NetworkType)
	}

	ifaces[2].Up = false
	offline, _ := h.Signals(context.Background())
	if offline.Connected || offline.NetworkType != NetworkNone {
		t.Errorf("offline signals = %+v", offline)
	}
}

func TestInterfaceClass(t *testing.T) {
	tests := map[string]string{
		"wlp2s0":  NetworkWiFi,
		"enp0s31": NetworkEthernet,
		"eth1":    NetworkEthernet,
		"wwan0":   NetworkCellular,
		"wg0":     NetworkVPN,
		"utun3":   NetworkVPN,
		"docker0": NetworkOther,
	}
	for name, want := range tests {
		if got := interfaceClass(name); got != want {
			t.Errorf("interfaceClass(%q) = %s, want %s", name, got, want)
		}
	}
}
