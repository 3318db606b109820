// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"fmt"
)

// Dial creates a client for the selected transport (TCP by default) and
// connects it.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	c, err := New(addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// New creates an unconnected client for the selected transport.
func New(addr string, opts ...DialOption) (Client, error) {
	o := newDialOptions(opts)
	fn, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return fn(addr, o), nil
}

// Listen creates a server and starts it.
func Listen(ctx context.Context, addr string, opts ...ServerOption) (*Server, error) {
	s := NewServer(addr, opts...)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
