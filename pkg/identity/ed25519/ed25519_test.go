package ed25519

import (
	"bytes"
	"context"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/gezibash/clan/pkg/identity"
)

func TestFromSeedDeterministic(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	again, err := FromSeed(kp.Seed())
	if err != nil {
		t.Fatal(err)
	}
	if identity.Actor(kp) != identity.Actor(again) {
		t.Fatal("same seed produced different identities")
	}
	if _, err := FromSeed([]byte("short")); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := kp.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if !identity.Verify(kp.PublicKey(), []byte("payload"), sig) {
		t.Fatal("signature rejected")
	}
}

func TestX25519MatchesScalarBase(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	pub, priv, err := kp.X25519()
	if err != nil {
		t.Fatal(err)
	}
	derived, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(derived, pub[:]) {
		t.Fatal("converted public key does not match private scalar")
	}
}

func TestProvider(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	s, err := Provider{Seed: kp.Seed()}.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if identity.Actor(s) != identity.Actor(kp) {
		t.Fatal("provider loaded a different key")
	}
	if _, err := (Provider{}).Load(context.Background()); err != nil {
		t.Fatalf("generate via provider: %v", err)
	}
}
