// Package envelope authenticates gRPC callers. Every signed call carries
// the caller's actor identity, a timestamp, a one-time nonce and a
// signature over the method, timestamp, nonce and a digest of the request
// body.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/clan/pkg/identity"
)

// DefaultMaxSkew bounds how far a call timestamp may drift from the
// server clock.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissing          = errors.New("missing envelope metadata")
	ErrInvalidSignature = errors.New("invalid envelope signature")
	ErrStale            = errors.New("envelope timestamp outside allowed skew")
	ErrReplayed         = errors.New("envelope already used")
)

// Envelope is the signed call header.
type Envelope struct {
	Actor     string
	Timestamp int64 // unix milliseconds
	Nonce     string
	Signature identity.Signature
}

func signingPayload(method string, ts int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(method + "|" + strconv.FormatInt(ts, 10) + "|" + nonce + "|" + hex.EncodeToString(sum[:]))
}

// Seal signs a call to method carrying body.
func Seal(s identity.Signer, method string, body []byte, now time.Time) (*Envelope, error) {
	ts := now.UnixMilli()
	nonce := uuid.NewString()
	sig, err := s.Sign(signingPayload(method, ts, nonce, body))
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return &Envelope{Actor: identity.Actor(s), Timestamp: ts, Nonce: nonce, Signature: sig}, nil
}

// Open verifies env against method and body and returns the caller.
func Open(env *Envelope, method string, body []byte, now time.Time, maxSkew time.Duration) (*Caller, error) {
	pub, err := identity.DecodePublicKey(env.Actor)
	if err != nil {
		return nil, fmt.Errorf("actor %q: %w", env.Actor, err)
	}
	signedAt := time.UnixMilli(env.Timestamp)
	if maxSkew > 0 {
		if d := now.Sub(signedAt); d > maxSkew || d < -maxSkew {
			return nil, fmt.Errorf("%w: %s", ErrStale, d.Round(time.Second))
		}
	}
	if !identity.Verify(pub, signingPayload(method, env.Timestamp, env.Nonce, body), env.Signature) {
		return nil, ErrInvalidSignature
	}
	return &Caller{Actor: identity.EncodePublicKey(pub), PublicKey: pub, SignedAt: signedAt.UTC()}, nil
}
