package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/gezibash/clan/internal/middleware"
	"github.com/gezibash/clan/pkg/identity"
)

// body returns the bytes the client signed. Handlers that decode into
// json.RawMessage hand the interceptor the exact wire bytes.
func body(req any) ([]byte, error) {
	if raw, ok := req.(*json.RawMessage); ok {
		return *raw, nil
	}
	return json.Marshal(req)
}

// UnaryServerInterceptor verifies signed calls, sets the Caller in the
// context and runs the middleware hooks. Unsigned calls pass through
// anonymously; the hooks decide whether that is acceptable. With a
// positive maxSkew each envelope is accepted once.
func UnaryServerInterceptor(chain *middleware.Chain, maxSkew time.Duration) grpc.UnaryServerInterceptor {
	var replays *ReplayCache
	if maxSkew > 0 {
		replays = NewReplayCache(maxSkew)
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		callInfo := &middleware.CallInfo{FullMethod: info.FullMethod}

		md, _ := grpcmd.FromIncomingContext(ctx)
		env, err := Extract(md)
		switch {
		case errors.Is(err, ErrMissing):
		case err != nil:
			return nil, status.Errorf(codes.Unauthenticated, "extract envelope: %v", err)
		default:
			payload, err := body(req)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "marshal request: %v", err)
			}
			now := time.Now()
			caller, err := Open(env, info.FullMethod, payload, now, maxSkew)
			if err != nil {
				return nil, status.Errorf(codes.Unauthenticated, "verify envelope: %v", err)
			}
			if replays != nil {
				if err := replays.Check(env, now); err != nil {
					return nil, status.Errorf(codes.Unauthenticated, "verify envelope: %v", err)
				}
			}
			ctx = WithCaller(ctx, caller)
			callInfo.Caller = caller.Actor
		}

		ctx, err = chain.RunPre(ctx, callInfo)
		if err != nil {
			return nil, err
		}
		resp, handlerErr := handler(ctx, req)
		if _, err := chain.RunPost(ctx, callInfo); err != nil {
			return nil, err
		}
		return resp, handlerErr
	}
}

// UnaryClientInterceptor signs every outgoing call with s.
func UnaryClientInterceptor(s identity.Signer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		payload, err := json.Marshal(req)
		if err != nil {
			return status.Errorf(codes.Internal, "marshal request: %v", err)
		}
		env, err := Seal(s, method, payload, time.Now())
		if err != nil {
			return status.Errorf(codes.Internal, "seal envelope: %v", err)
		}
		return invoker(InjectOutgoing(ctx, env), method, req, reply, cc, opts...)
	}
}
