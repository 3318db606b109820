// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Client is the transport-agnostic context client.
// All application code should use this interface.
type Client interface {
	// Connect opens the outbound connection
	Connect(ctx context.Context) error

	// Send validates and writes one context
	Send(payload any) error

	// Receive waits up to timeout for one response. A timeout with no data
	// returns (nil, nil).
	Receive(timeout time.Duration) (Context, error)

	// Close closes the connection
	Close() error
}

// Responder builds the reply for one decoded context.
type Responder interface {
	Respond(ctx context.Context, req Context) (Context, error)
}

// ResponderFunc is a function adapter for Responder
type ResponderFunc func(ctx context.Context, req Context) (Context, error)

func (f ResponderFunc) Respond(ctx context.Context, req Context) (Context, error) {
	return f(ctx, req)
}

const DefaultReceiveTimeout = 5 * time.Second

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec          Codec
	transport      string
	framing        Framing
	readBufferSize int
	maxFrameSize   int
	receiveTimeout time.Duration
	logger         *slog.Logger
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		codec:          defaultCodec,
		transport:      DefaultTransport,
		readBufferSize: DefaultReadBufferSize,
		maxFrameSize:   DefaultMaxFrameSize,
		receiveTimeout: DefaultReceiveTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithFraming sets the stream framing. Both sides must agree.
func WithFraming(f Framing) DialOption {
	return func(o *dialOptions) { o.framing = f }
}

// WithReceiveTimeout sets the timeout Receive uses when called with zero.
func WithReceiveTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		if d > 0 {
			o.receiveTimeout = d
		}
	}
}

// WithClientLogger sets the client logger
func WithClientLogger(l *slog.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec          Codec
	responder      Responder
	framing        Framing
	readBufferSize int
	maxFrameSize   int
	maxConns       int
	rateRPS        float64
	rateBurst      int
	httpAddr       string
	grpcAddr       string
	registry       *prometheus.Registry
	logger         *slog.Logger
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{
		codec:          defaultCodec,
		readBufferSize: DefaultReadBufferSize,
		maxFrameSize:   DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.responder == nil {
		o.responder = DefaultResponder()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// WithServerCodec sets a custom codec for the server
func WithServerCodec(c Codec) ServerOption {
	return func(o *serverOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithResponder replaces the default "Processed request from" responder.
func WithResponder(r Responder) ServerOption {
	return func(o *serverOptions) { o.responder = r }
}

// WithServerFraming sets the stream framing. Both sides must agree.
func WithServerFraming(f Framing) ServerOption {
	return func(o *serverOptions) { o.framing = f }
}

// WithReadBufferSize bounds a single raw read. Defaults to 4096.
func WithReadBufferSize(n int) ServerOption {
	return func(o *serverOptions) {
		if n > 0 {
			o.readBufferSize = n
		}
	}
}

// WithMaxFrameSize bounds line and length-prefixed frames.
func WithMaxFrameSize(n int) ServerOption {
	return func(o *serverOptions) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// WithMaxConnections caps concurrently registered connections. Zero means
// unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) { o.maxConns = n }
}

// WithRateLimit enables a per-remote-host token bucket on messages.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(o *serverOptions) {
		o.rateRPS = rps
		o.rateBurst = burst
	}
}

// WithHTTPGateway serves JSON-RPC, WebSocket, metrics and health on addr.
func WithHTTPGateway(addr string) ServerOption {
	return func(o *serverOptions) { o.httpAddr = addr }
}

// WithGRPCGateway serves the gRPC bridge on addr.
func WithGRPCGateway(addr string) ServerOption {
	return func(o *serverOptions) { o.grpcAddr = addr }
}

// WithMetricsRegistry registers server metrics on reg instead of a private
// registry.
func WithMetricsRegistry(reg *prometheus.Registry) ServerOption {
	return func(o *serverOptions) { o.registry = reg }
}

// WithLogger sets the server logger
func WithLogger(l *slog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}
