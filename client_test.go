// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentServer accepts connections and never writes unless told to.
func silentServer(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 4)
	done := make(chan []net.Conn, 1)
	go func() {
		var conns []net.Conn
		defer func() { done <- conns }()
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		_ = lis.Close()
		for _, conn := range <-done {
			_ = conn.Close()
		}
	})
	return lis, accepted
}

func acceptOne(t *testing.T, accepted <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-accepted:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func TestConnectRefused(t *testing.T) {
	c := NewClient(freeAddr(t), WithClientLogger(discardLogger()))
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionRefused)

	// A failed connect leaves the client usable for another attempt.
	require.ErrorIs(t, c.Send(Context{}), ErrNotConnected)
}

func TestConnectInvalidEndpoint(t *testing.T) {
	c := NewClient("no-port", WithClientLogger(discardLogger()))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConnectionRefused)
}

func TestConnectTwiceIsNoop(t *testing.T) {
	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String())
	acceptOne(t, accepted)

	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-accepted:
		t.Fatal("second Connect dialed again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendInvalidPayload(t *testing.T) {
	invalid := []any{"hello", 42, nil, []any{"a"}, []byte(`{}`), struct{}{}}

	// Validation happens before the connection is consulted.
	unconnected := NewClient(DefaultAddr, WithClientLogger(discardLogger()))
	for _, p := range invalid {
		require.ErrorIs(t, unconnected.Send(p), ErrInvalidPayload, "%T", p)
	}

	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String())
	conn := acceptOne(t, accepted)
	for _, p := range invalid {
		require.ErrorIs(t, c.Send(p), ErrInvalidPayload, "%T", p)
	}
	require.NoError(t, c.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	written, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, written, "invalid payloads must not reach the wire")
}

func TestSendWritesPlainJSON(t *testing.T) {
	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String())
	conn := acceptOne(t, accepted)

	require.NoError(t, c.Send(map[string]string{"user": "alice"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, DefaultReadBufferSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"alice"}`, string(buf[:n]))
}

func TestReceiveTimeout(t *testing.T) {
	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String(), WithReceiveTimeout(50*time.Millisecond))
	acceptOne(t, accepted)

	start := time.Now()
	resp, err := c.Receive(100 * time.Millisecond)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	// Zero falls back to the configured default.
	resp, err = c.Receive(0)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestReceiveAfterTimeoutStillWorks(t *testing.T) {
	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String())
	conn := acceptOne(t, accepted)

	resp, err := c.Receive(50 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, resp)

	_, err = conn.Write([]byte(`{"status":"received"}`))
	require.NoError(t, err)
	resp, err = c.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, Context{"status": "received"}, resp)
}

func TestReceiveResumesPartialFrame(t *testing.T) {
	for _, f := range []Framing{FramingLine, FramingLength} {
		t.Run(f.String(), func(t *testing.T) {
			lis, accepted := silentServer(t)
			c := connectClient(t, lis.Addr().String(), WithFraming(f))
			conn := acceptOne(t, accepted)

			frame := appendFrame(f, []byte(`{"user":"alice","query":"What is MCP?"}`))
			_, err := conn.Write(frame[:14])
			require.NoError(t, err)

			resp, err := c.Receive(50 * time.Millisecond)
			require.NoError(t, err)
			require.Nil(t, resp)

			_, err = conn.Write(frame[14:])
			require.NoError(t, err)
			resp, err = c.Receive(2 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, Context{"user": "alice", "query": "What is MCP?"}, resp)
		})
	}
}

func TestReceiveMalformedResponse(t *testing.T) {
	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String())
	conn := acceptOne(t, accepted)

	_, err := conn.Write([]byte("garbage"))
	require.NoError(t, err)

	resp, err := c.Receive(2 * time.Second)
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Nil(t, resp)
}

func TestReceivePeerClosed(t *testing.T) {
	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String())
	require.NoError(t, acceptOne(t, accepted).Close())

	resp, err := c.Receive(2 * time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
	assert.Nil(t, resp)
}

func TestCloseIdempotent(t *testing.T) {
	never := NewClient(DefaultAddr, WithClientLogger(discardLogger()))
	require.NoError(t, never.Close())
	require.NoError(t, never.Close())

	lis, accepted := silentServer(t)
	c := connectClient(t, lis.Addr().String())
	acceptOne(t, accepted)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.ErrorIs(t, c.Send(Context{}), ErrClientClosed)
	_, err := c.Receive(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrClientClosed)
	require.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
}

func TestUnconnectedOperations(t *testing.T) {
	c := NewClient(DefaultAddr, WithClientLogger(discardLogger()))
	require.ErrorIs(t, c.Send(Context{}), ErrNotConnected)
	_, err := c.Receive(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDialSelectsTransport(t *testing.T) {
	s := startServer(t)

	c, err := Dial(context.Background(), s.Addr(), WithClientLogger(discardLogger()))
	require.NoError(t, err)
	defer c.Close()
	assert.IsType(t, &StreamClient{}, c)

	_, err = Dial(context.Background(), s.Addr(), WithTransport("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownTransport)

	_, err = Dial(context.Background(), freeAddr(t), WithClientLogger(discardLogger()))
	require.ErrorIs(t, err, ErrConnectionRefused)
}

func TestDefaultAddr(t *testing.T) {
	assert.Equal(t, DefaultAddr, NewClient("").addr)
	assert.Equal(t, DefaultAddr, NewServer("").Addr())
}
