// Package identity provides the public-key identities that name actors in
// clan: devices, founders, elders and members.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
)

// Algorithm identifies a signing algorithm.
type Algorithm string

const AlgEd25519 Algorithm = "ed25519"

// PublicKey is an algorithm-tagged public key.
type PublicKey struct {
	Algo  Algorithm
	Bytes []byte
}

// Signature is an algorithm-tagged signature.
type Signature struct {
	Algo  Algorithm
	Bytes []byte
}

// Signer represents a private key capable of signing.
type Signer interface {
	PublicKey() PublicKey
	Sign(payload []byte) (Signature, error)
	Algorithm() Algorithm
}

// Provider loads or generates a signer.
type Provider interface {
	Load(ctx context.Context) (Signer, error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(ctx context.Context) (Signer, error)

// Load implements Provider.
func (f ProviderFunc) Load(ctx context.Context) (Signer, error) {
	return f(ctx)
}

var (
	// ErrUnknownAlgorithm indicates an unknown algorithm.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	// ErrInvalidEncoding indicates an invalid encoded key/signature.
	ErrInvalidEncoding = errors.New("invalid encoding")
)

// EncodePublicKey encodes a public key as "algo:hex". The result is the
// actor identity string used throughout governance records.
func EncodePublicKey(pk PublicKey) string {
	return encode(pk.Algo, pk.Bytes)
}

// Actor returns the actor identity of a signer.
func Actor(s Signer) string {
	return EncodePublicKey(s.PublicKey())
}

// DecodePublicKey decodes a public key from "algo:hex".
// A bare hex string is read as ed25519.
func DecodePublicKey(s string) (PublicKey, error) {
	algo, raw, err := decode(s)
	if err != nil {
		return PublicKey{}, err
	}
	if algo == AlgEd25519 && len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, ErrInvalidEncoding
	}
	return PublicKey{Algo: algo, Bytes: raw}, nil
}

// TryDecodePublicKey reports whether s looks like an encoded public key
// rather than an alias.
func TryDecodePublicKey(s string) (PublicKey, bool) {
	if !strings.Contains(s, ":") && len(s) < 2*ed25519.PublicKeySize {
		return PublicKey{}, false
	}
	pk, err := DecodePublicKey(s)
	if err != nil {
		return PublicKey{}, false
	}
	return pk, true
}

// NormalizeActor canonicalizes an actor string to "algo:hex" in lower case.
// Strings that are not public keys are returned trimmed but otherwise
// unchanged, since actors are opaque to the governance core.
func NormalizeActor(s string) string {
	s = strings.TrimSpace(s)
	if pk, ok := TryDecodePublicKey(s); ok {
		return EncodePublicKey(pk)
	}
	return s
}

// EncodeSignature encodes a signature as "algo:hex".
func EncodeSignature(sig Signature) string {
	return encode(sig.Algo, sig.Bytes)
}

// DecodeSignature decodes a signature from "algo:hex".
func DecodeSignature(s string) (Signature, error) {
	algo, raw, err := decode(s)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Algo: algo, Bytes: raw}, nil
}

// Verify checks a signature over the given payload.
func Verify(pub PublicKey, payload []byte, sig Signature) bool {
	algo := pub.Algo
	if algo == "" {
		algo = AlgEd25519
	}
	if sig.Algo != "" && sig.Algo != algo {
		return false
	}
	switch algo {
	case AlgEd25519:
		if len(pub.Bytes) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(pub.Bytes, payload, sig.Bytes)
	default:
		return false
	}
}

func encode(algo Algorithm, raw []byte) string {
	a := strings.ToLower(string(algo))
	if a == "" {
		a = string(AlgEd25519)
	}
	return a + ":" + hex.EncodeToString(raw)
}

func decode(s string) (Algorithm, []byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil, ErrInvalidEncoding
	}
	algo, hexPart, ok := strings.Cut(s, ":")
	if !ok {
		algo, hexPart = string(AlgEd25519), s
	}
	algo = strings.ToLower(strings.TrimSpace(algo))
	if Algorithm(algo) != AlgEd25519 {
		return "", nil, ErrUnknownAlgorithm
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return "", nil, ErrInvalidEncoding
	}
	return Algorithm(algo), raw, nil
}
