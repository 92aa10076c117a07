package envelope

import (
	"context"
	"fmt"
	"strconv"

	grpcmd "google.golang.org/grpc/metadata"

	"github.com/gezibash/clan/pkg/identity"
)

const (
	keyActor     = "clan-actor"
	keyTimestamp = "clan-timestamp"
	keyNonce     = "clan-nonce"
	keySignature = "clan-signature"
)

// Extract pulls envelope fields from incoming gRPC metadata. It returns
// ErrMissing when the call is not signed at all.
func Extract(md grpcmd.MD) (*Envelope, error) {
	actor := firstVal(md, keyActor)
	if actor == "" {
		return nil, ErrMissing
	}
	tsStr := firstVal(md, keyTimestamp)
	if tsStr == "" {
		return nil, fmt.Errorf("missing %s", keyTimestamp)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", keyTimestamp, err)
	}
	nonce := firstVal(md, keyNonce)
	if nonce == "" {
		return nil, fmt.Errorf("missing %s", keyNonce)
	}
	sigStr := firstVal(md, keySignature)
	if sigStr == "" {
		return nil, fmt.Errorf("missing %s", keySignature)
	}
	sig, err := identity.DecodeSignature(sigStr)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", keySignature, err)
	}
	return &Envelope{Actor: actor, Timestamp: ts, Nonce: nonce, Signature: sig}, nil
}

// InjectOutgoing sets envelope fields as outgoing gRPC metadata.
func InjectOutgoing(ctx context.Context, env *Envelope) context.Context {
	return grpcmd.AppendToOutgoingContext(ctx,
		keyActor, env.Actor,
		keyTimestamp, strconv.FormatInt(env.Timestamp, 10),
		keyNonce, env.Nonce,
		keySignature, identity.EncodeSignature(env.Signature),
	)
}

func firstVal(md grpcmd.MD, key string) string {
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}
