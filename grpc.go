// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	grpcCodecName      = "ctxrpc-json"
	grpcServiceName    = "ctxrpc.ContextService"
	grpcExchangeMethod = "/" + grpcServiceName + "/Exchange"
)

func init() {
	encoding.RegisterCodec(grpcJSONCodec{})
	registerTransport(TransportGRPC, newGRPCClient)
}

// grpcJSONCodec lets contexts travel over gRPC without generated protobufs.
type grpcJSONCodec struct{}

func (grpcJSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (grpcJSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (grpcJSONCodec) Name() string                       { return grpcCodecName }

type contextExchanger interface {
	exchange(ctx context.Context, req Context) (Context, error)
}

var contextServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*contextExchanger)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    exchangeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ctxrpc",
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in Context
	if err := dec(&in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(contextExchanger).exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcExchangeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(contextExchanger).exchange(ctx, req.(Context))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcBridge serves the gRPC gateway from the server's responder.
type grpcBridge struct {
	server *Server
}

func (b *grpcBridge) exchange(ctx context.Context, req Context) (Context, error) {
	s := b.server
	p := Peer{ID: s.nextID.Add(1), Remote: "unknown", Transport: TransportGRPC}
	if pr, ok := peer.FromContext(ctx); ok && pr.Addr != nil {
		p.Remote = pr.Addr.String()
	}
	if req == nil {
		s.metrics.message(p.Transport, outcomeMalformed)
		return nil, status.Error(codes.InvalidArgument, "request must be a JSON object")
	}
	return s.respond(ctx, p, req), nil
}

// grpcClient performs one unary call per Send and queues the reply for
// Receive.
type grpcClient struct {
	addr string
	opts *dialOptions
	log  *slog.Logger

	mu      sync.Mutex
	conn    *grpc.ClientConn
	replies chan Context
	closed  atomic.Bool
}

func newGRPCClient(addr string, o *dialOptions) Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &grpcClient{
		addr:    addr,
		opts:    o,
		log:     o.logger.With("component", "ctxrpc.client", "transport", TransportGRPC, "addr", addr),
		replies: make(chan Context, replyQueueSize),
	}
}

// Connect creates the client connection. gRPC connects lazily, so refusals
// surface from Send.
func (c *grpcClient) Connect(context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	network, address, err := ParseEndpoint(c.addr)
	if err != nil {
		return err
	}
	target := address
	if network == "unix" {
		target = "unix:" + address
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcCodecName)),
	)
	if err != nil {
		return fmt.Errorf("grpc dial: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *grpcClient) Send(payload any) error {
	req, err := asContext(payload)
	if err != nil {
		return err
	}
	conn, err := c.current()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	var reply Context
	if err := conn.Invoke(ctx, grpcExchangeMethod, req, &reply); err != nil {
		if status.Code(err) == codes.Unavailable && strings.Contains(err.Error(), "connection refused") {
			c.log.Warn("connection refused; make sure the server runs with a gRPC gateway on this address")
			return fmt.Errorf("%w: %s: %v", ErrConnectionRefused, c.addr, err)
		}
		c.log.Warn("send failed", "err", err)
		return fmt.Errorf("grpc invoke: %w", err)
	}
	if reply == nil {
		reply = Context{}
	}
	select {
	case c.replies <- reply:
		return nil
	default:
		return fmt.Errorf("reply queue full: %d unread replies", replyQueueSize)
	}
}

func (c *grpcClient) Receive(timeout time.Duration) (Context, error) {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	return receiveQueued(c.replies, timeout, c.opts.receiveTimeout, c.closed.Load(), connected)
}

func (c *grpcClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *grpcClient) current() (*grpc.ClientConn, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}
