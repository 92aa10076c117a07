package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gezibash/clan/internal/approval"
	"github.com/gezibash/clan/internal/council"
	"github.com/gezibash/clan/internal/envelope"
	"github.com/gezibash/clan/pkg/identity"
)

// Client calls the governance service. With a signer every call carries a
// signed envelope; without one only PublicMethods succeed.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target.
func Dial(target string, signer identity.Signer, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if signer != nil {
		dialOpts = append(dialOpts, grpc.WithChainUnaryInterceptor(envelope.UnaryClientInterceptor(signer)))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes method with req and decodes the reply into resp.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Council(ctx context.Context, scope string) (*council.Registry, error) {
	var out council.Registry
	if err := c.Call(ctx, "GetCouncil", &ScopeRequest{Scope: scope}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Requests(ctx context.Context, scope string, opts approval.ListOptions) ([]*approval.Request, error) {
	var out RequestsResponse
	req := &ListRequestsRequest{Scope: scope, Status: string(opts.Status), Limit: opts.Limit}
	if err := c.Call(ctx, "ListRequests", req, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) Approve(ctx context.Context, scope, id string) (*approval.Request, error) {
	return c.vote(ctx, "ApproveRequest", scope, id)
}

func (c *Client) Reject(ctx context.Context, scope, id string) (*approval.Request, error) {
	return c.vote(ctx, "RejectRequest", scope, id)
}

func (c *Client) vote(ctx context.Context, method, scope, id string) (*approval.Request, error) {
	var out approval.Request
	if err := c.Call(ctx, method, &RequestRef{Scope: scope, ID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
