// Package middleware runs ordered pre and post hooks around gRPC calls.
package middleware

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CallInfo describes the current gRPC call for hook processing.
type CallInfo struct {
	FullMethod string
	// Caller is the authenticated actor, "" for anonymous calls.
	Caller string
}

// Method returns the method name without its service prefix.
func (c *CallInfo) Method() string {
	if i := strings.LastIndexByte(c.FullMethod, '/'); i >= 0 {
		return c.FullMethod[i+1:]
	}
	return c.FullMethod
}

// Hook processes a call. Return a gRPC status error to reject.
type Hook func(ctx context.Context, info *CallInfo) (context.Context, error)

// Chain holds ordered pre and post hooks.
type Chain struct {
	Pre  []Hook
	Post []Hook
}

// RunPre executes pre-hooks in order. Stops on first error.
func (c *Chain) RunPre(ctx context.Context, info *CallInfo) (context.Context, error) {
	if c == nil {
		return ctx, nil
	}
	return run(ctx, c.Pre, info)
}

// RunPost executes post-hooks in order. Stops on first error.
func (c *Chain) RunPost(ctx context.Context, info *CallInfo) (context.Context, error) {
	if c == nil {
		return ctx, nil
	}
	return run(ctx, c.Post, info)
}

func run(ctx context.Context, hooks []Hook, info *CallInfo) (context.Context, error) {
	for _, h := range hooks {
		var err error
		ctx, err = h(ctx, info)
		if err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

// RequireCaller rejects anonymous calls to every method not listed in
// public.
func RequireCaller(public ...string) Hook {
	open := make(map[string]bool, len(public))
	for _, m := range public {
		open[m] = true
	}
	return func(ctx context.Context, info *CallInfo) (context.Context, error) {
		if info.Caller == "" && !open[info.Method()] {
			return ctx, status.Errorf(codes.Unauthenticated, "%s requires a signed caller", info.Method())
		}
		return ctx, nil
	}
}

// AllowCallers rejects every authenticated caller not in allowed. An empty
// list allows everyone.
func AllowCallers(allowed ...string) Hook {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return func(ctx context.Context, info *CallInfo) (context.Context, error) {
		if len(set) > 0 && info.Caller != "" && !set[info.Caller] {
			return ctx, status.Errorf(codes.PermissionDenied, "caller %s is not allowed", info.Caller)
		}
		return ctx, nil
	}
}
