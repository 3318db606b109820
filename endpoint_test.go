// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		network string
		address string
	}{
		{"", "tcp", DefaultAddr},
		{"  ", "tcp", DefaultAddr},
		{"127.0.0.1:9000", "tcp", "127.0.0.1:9000"},
		{"localhost:0", "tcp", "localhost:0"},
		{"[::1]:8000", "tcp", "[::1]:8000"},
		{":8000", "tcp", ":8000"},
		{"/ip4/127.0.0.1/tcp/8000", "tcp4", "127.0.0.1:8000"},
		{"/ip6/::1/tcp/8000", "tcp6", "[::1]:8000"},
		{"/unix/tmp/ctxrpc.sock", "unix", "/tmp/ctxrpc.sock"},
	}
	for _, tt := range tests {
		network, address, err := ParseEndpoint(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.network, network, tt.in)
		assert.Equal(t, tt.address, address, tt.in)
	}
}

func TestParseEndpointErrors(t *testing.T) {
	for _, in := range []string{
		"no-port",
		"127.0.0.1",
		"/bogus/thing",
		"/ip4/127.0.0.1/udp/8000",
		"/ip4/999.0.0.1/tcp/8000",
	} {
		_, _, err := ParseEndpoint(in)
		require.Error(t, err, in)
	}
}

func TestJoinHostPort(t *testing.T) {
	assert.Equal(t, DefaultAddr, JoinHostPort("127.0.0.1", 8000))
	assert.Equal(t, "[::1]:80", JoinHostPort("::1", 80))
}
