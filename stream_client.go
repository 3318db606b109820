// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// StreamClient sends contexts over one TCP (or unix) stream connection.
type StreamClient struct {
	addr string
	opts *dialOptions
	log  *slog.Logger

	mu     sync.Mutex // guards conn and frames
	conn   net.Conn
	frames frameReader
	readMu sync.Mutex
	closed atomic.Bool
}

// NewClient creates an unconnected stream client for addr (host:port or
// multiaddr). An empty addr means DefaultAddr.
func NewClient(addr string, opts ...DialOption) *StreamClient {
	return newStreamClient(addr, newDialOptions(opts))
}

func newStreamClient(addr string, o *dialOptions) *StreamClient {
	if addr == "" {
		addr = DefaultAddr
	}
	return &StreamClient{
		addr: addr,
		opts: o,
		log:  o.logger.With("component", "ctxrpc.client", "addr", addr),
	}
}

func newStreamClientFunc(addr string, o *dialOptions) Client {
	return newStreamClient(addr, o)
}

// Connect dials the server. An actively refused connection returns an error
// matching ErrConnectionRefused. Connecting twice is a no-op.
func (c *StreamClient) Connect(ctx context.Context) error {
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
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		if isRefused(err) {
			c.log.Warn("connection refused; make sure the server is running and listening on this address")
			return fmt.Errorf("%w: %s", ErrConnectionRefused, c.addr)
		}
		c.log.Error("dial failed", "err", err)
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.conn = conn
	c.frames = newFrameReader(c.opts.framing, conn, c.opts.readBufferSize, c.opts.maxFrameSize)
	c.log.Debug("connected", "local", conn.LocalAddr().String())
	return nil
}

// Send validates payload as a string-keyed mapping, encodes it and writes
// it in a single write. Invalid payloads never reach the wire.
func (c *StreamClient) Send(payload any) error {
	ctx, err := asContext(payload)
	if err != nil {
		return err
	}
	data, err := encodeWith(c.opts.codec, ctx)
	if err != nil {
		return err
	}
	conn, _, err := c.current()
	if err != nil {
		return err
	}
	if _, err := conn.Write(appendFrame(c.opts.framing, data)); err != nil {
		c.log.Warn("send failed", "err", err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Receive waits up to timeout for one response. timeout <= 0 uses the
// configured default. When the timeout elapses with no data it returns
// (nil, nil); decode and transport errors are logged and returned.
func (c *StreamClient) Receive(timeout time.Duration) (Context, error) {
	if timeout <= 0 {
		timeout = c.opts.receiveTimeout
	}
	conn, frames, err := c.current()
	if err != nil {
		return nil, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	frame, err := frames.ReadFrame()
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		c.log.Warn("receive failed", "err", err)
		return nil, fmt.Errorf("receive: %w", err)
	}
	resp, err := decodeWith(c.opts.codec, frame)
	if err != nil {
		c.log.Warn("discarding malformed response", "err", err)
		return nil, err
	}
	return resp, nil
}

// Close closes the connection. It is idempotent.
func (c *StreamClient) Close() error {
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

func (c *StreamClient) current() (net.Conn, frameReader, error) {
	if c.closed.Load() {
		return nil, nil, ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return c.conn, c.frames, nil
}
