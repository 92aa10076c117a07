package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/gezibash/clan/internal/middleware"
	"github.com/gezibash/clan/pkg/identity"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

const method = "/clan.v1.Governance/CreateRule"

func generateKeypair(t *testing.T) *ed25519.Keypair {
	t.Helper()
	kp, err := ed25519.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestSealOpenRoundTrip(t *testing.T) {
	kp := generateKeypair(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"scope":"clan-1"}`)

	env, err := Seal(kp, method, body, now)
	if err != nil {
		t.Fatal(err)
	}
	caller, err := Open(env, method, body, now.Add(time.Second), DefaultMaxSkew)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if caller.Actor != identity.Actor(kp) {
		t.Fatalf("Actor = %s, want %s", caller.Actor, identity.Actor(kp))
	}
	if !caller.SignedAt.Equal(now) {
		t.Fatalf("SignedAt = %v", caller.SignedAt)
	}
}

func TestOpenRejects(t *testing.T) {
	kp := generateKeypair(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"scope":"clan-1"}`)
	env, err := Seal(kp, method, body, now)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(env, method, []byte(`{"scope":"clan-2"}`), now, DefaultMaxSkew); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered body = %v", err)
	}
	if _, err := Open(env, "/clan.v1.Governance/DeleteRule", body, now, DefaultMaxSkew); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("other method = %v", err)
	}
	if _, err := Open(env, method, body, now.Add(10*time.Minute), DefaultMaxSkew); !errors.Is(err, ErrStale) {
		t.Errorf("stale = %v", err)
	}
	if _, err := Open(env, method, body, now.Add(-10*time.Minute), DefaultMaxSkew); !errors.Is(err, ErrStale) {
		t.Errorf("future = %v", err)
	}

	forged := *env
	forged.Actor = identity.Actor(generateKeypair(t))
	if _, err := Open(&forged, method, body, now, DefaultMaxSkew); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("forged actor = %v", err)
	}
	forged.Actor = "nobody"
	if _, err := Open(&forged, method, body, now, DefaultMaxSkew); err == nil {
		t.Error("undecodable actor should fail")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	kp := generateKeypair(t)
	env, err := Seal(kp, method, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ctx := InjectOutgoing(context.Background(), env)
	md, ok := grpcmd.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("no outgoing metadata")
	}
	got, err := Extract(md)
	if err != nil {
		t.Fatal(err)
	}
	if got.Actor != env.Actor || got.Timestamp != env.Timestamp || got.Nonce != env.Nonce || string(got.Signature.Bytes) != string(env.Signature.Bytes) {
		t.Fatalf("Extract = %+v, want %+v", got, env)
	}

	if _, err := Extract(grpcmd.MD{}); !errors.Is(err, ErrMissing) {
		t.Fatalf("empty metadata = %v, want ErrMissing", err)
	}
	if _, err := Extract(grpcmd.Pairs(keyActor, env.Actor, keyTimestamp, "soon")); err == nil {
		t.Fatal("bad timestamp should fail")
	}
	noNonce := grpcmd.Pairs(keyActor, env.Actor, keyTimestamp, "1", keySignature, identity.EncodeSignature(env.Signature))
	if _, err := Extract(noNonce); err == nil {
		t.Fatal("missing nonce should fail")
	}
}

type request struct {
	Scope string `json:"scope"`
}

func TestUnaryServerInterceptor(t *testing.T) {
	kp := generateKeypair(t)
	chain := &middleware.Chain{Pre: []middleware.Hook{middleware.RequireCaller("GetCouncil")}}
	intercept := UnaryServerInterceptor(chain, DefaultMaxSkew)

	raw := json.RawMessage(`{"scope":"clan-1"}`)
	env, err := Seal(kp, method, raw, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	md := grpcmd.Pairs(keyActor, env.Actor, keyTimestamp, strconv.FormatInt(env.Timestamp, 10), keyNonce, env.Nonce, keySignature, identity.EncodeSignature(env.Signature))

	var seen *Caller
	handler := func(ctx context.Context, _ any) (any, error) {
		seen, _ = GetCaller(ctx)
		return "ok", nil
	}
	ctx := grpcmd.NewIncomingContext(context.Background(), md)
	if _, err := intercept(ctx, &raw, &grpc.UnaryServerInfo{FullMethod: method}, handler); err != nil {
		t.Fatalf("signed call: %v", err)
	}
	if seen == nil || seen.Actor != identity.Actor(kp) {
		t.Fatalf("caller = %+v", seen)
	}
	if _, err := intercept(ctx, &raw, &grpc.UnaryServerInfo{FullMethod: method}, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("replayed call = %v, want Unauthenticated", err)
	}

	other := json.RawMessage(`{"scope":"clan-2"}`)
	if _, err := intercept(ctx, &other, &grpc.UnaryServerInfo{FullMethod: method}, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("tampered body = %v, want Unauthenticated", err)
	}

	anon := context.Background()
	if _, err := intercept(anon, &raw, &grpc.UnaryServerInfo{FullMethod: method}, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("anonymous mutation = %v, want Unauthenticated", err)
	}
	if _, err := intercept(anon, &request{Scope: "clan-1"}, &grpc.UnaryServerInfo{FullMethod: "/clan.v1.Governance/GetCouncil"}, handler); err != nil {
		t.Fatalf("anonymous read = %v", err)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	kp := generateKeypair(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a, err := Seal(kp, method, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Seal(kp, method, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if a.Nonce == "" || a.Nonce == b.Nonce {
		t.Fatalf("nonces %q and %q should differ", a.Nonce, b.Nonce)
	}

	swapped := *a
	swapped.Nonce = b.Nonce
	if _, err := Open(&swapped, method, nil, now, DefaultMaxSkew); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("swapped nonce = %v, want ErrInvalidSignature", err)
	}
}

func TestReplayCache(t *testing.T) {
	kp := generateKeypair(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewReplayCache(time.Minute)

	env, err := Seal(kp, method, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Check(env, now); err != nil {
		t.Fatalf("first use = %v", err)
	}
	if err := c.Check(env, now.Add(30*time.Second)); !errors.Is(err, ErrReplayed) {
		t.Fatalf("second use = %v, want ErrReplayed", err)
	}

	other, _ := Seal(kp, method, nil, now)
	if err := c.Check(other, now); err != nil {
		t.Fatalf("distinct envelope = %v", err)
	}

	later := now.Add(3 * time.Minute)
	fresh, _ := Seal(kp, method, nil, later)
	if err := c.Check(fresh, later); err != nil {
		t.Fatal(err)
	}
	if n := c.Len(); n != 1 {
		t.Fatalf("Len after prune = %d, want 1", n)
	}
}

func TestUnaryClientInterceptorSigns(t *testing.T) {
	kp := generateKeypair(t)
	intercept := UnaryClientInterceptor(kp)
	req := &request{Scope: "clan-1"}

	var caller *Caller
	invoker := func(ctx context.Context, m string, r, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		md, _ := grpcmd.FromOutgoingContext(ctx)
		env, err := Extract(md)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(r)
		caller, err = Open(env, m, payload, time.Now(), DefaultMaxSkew)
		return err
	}
	if err := intercept(context.Background(), method, req, nil, nil, invoker); err != nil {
		t.Fatal(err)
	}
	if caller.Actor != identity.Actor(kp) {
		t.Fatalf("caller = %+v", caller)
	}
}
