package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gezibash/clan/pkg/identity"
)

const exportPage = 500

// Export is a complete, ordered copy of one scope's chain.
type Export struct {
	Scope      string    `json:"scope"`
	Head       string    `json:"head"`
	Count      int       `json:"count"`
	ExportedAt time.Time `json:"exported_at"`
	Records    []*Event  `json:"records"`
}

// Export reads the whole chain of scope in chronological order.
func (l *Log) Export(ctx context.Context, scope string) (*Export, error) {
	out := &Export{Scope: scope, ExportedAt: l.now().UTC()}
	var since time.Time
	for {
		page, err := l.List(ctx, scope, ListOptions{Since: since, Limit: exportPage})
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, page...)
		if len(page) < exportPage {
			break
		}
		since = page[len(page)-1].Timestamp
	}
	out.Count = len(out.Records)
	if out.Count > 0 {
		out.Head = out.Records[out.Count-1].Hash
	}
	return out, nil
}

// Attestation is a device signature over a chain head.
type Attestation struct {
	Scope     string    `json:"scope"`
	Head      string    `json:"head"`
	Count     int       `json:"count"`
	Signer    string    `json:"signer"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

var ErrBadAttestation = errors.New("attestation signature invalid")

func attestationPayload(scope, head string, count int) []byte {
	return []byte(scope + "|" + head + "|" + strconv.Itoa(count))
}

// Attest signs "scope|head|count" for the current chain head.
func (l *Log) Attest(ctx context.Context, scope string, signer identity.Signer) (*Attestation, error) {
	head, err := l.Head(ctx, scope)
	if err != nil {
		return nil, err
	}
	count, err := l.Count(ctx, scope)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(attestationPayload(scope, head.Hash, count))
	if err != nil {
		return nil, fmt.Errorf("sign chain head: %w", err)
	}
	return &Attestation{
		Scope:     scope,
		Head:      head.Hash,
		Count:     count,
		Signer:    identity.Actor(signer),
		Signature: identity.EncodeSignature(sig),
		SignedAt:  l.now().UTC(),
	}, nil
}

// VerifyAttestation checks the signature of an attestation.
func VerifyAttestation(a *Attestation) error {
	pub, err := identity.DecodePublicKey(a.Signer)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	sig, err := identity.DecodeSignature(a.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	if !identity.Verify(pub, attestationPayload(a.Scope, a.Head, a.Count), sig) {
		return ErrBadAttestation
	}
	return nil
}
