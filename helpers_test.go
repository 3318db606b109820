// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer starts a server on an ephemeral loopback port and stops it
// when the test ends.
func startServer(t testing.TB, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(discardLogger())}, opts...)
	s, err := Listen(context.Background(), "127.0.0.1:0", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// connectClient returns a connected stream client closed at test end.
func connectClient(t testing.TB, addr string, opts ...DialOption) *StreamClient {
	t.Helper()
	opts = append([]DialOption{WithClientLogger(discardLogger())}, opts...)
	c := NewClient(addr, opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t testing.TB) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func messageCount(s *Server, transport, outcome string) float64 {
	return testutil.ToFloat64(s.metrics.messages.WithLabelValues(transport, outcome))
}

func waitFor(t testing.TB, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
