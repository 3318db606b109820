// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// DefaultAddr is where both the server and the client point by default.
const DefaultAddr = "127.0.0.1:8000"

// JoinHostPort builds an endpoint from a host and port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseEndpoint resolves addr into a network and address usable with
// net.Listen and net.Dial. addr is either host:port (tcp) or a multiaddr
// such as /ip4/127.0.0.1/tcp/8000 or /unix/tmp/ctxrpc.sock.
func ParseEndpoint(addr string) (network, address string, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "tcp", DefaultAddr, nil
	}
	if strings.HasPrefix(addr, "/") {
		m, err := ma.NewMultiaddr(addr)
		if err != nil {
			return "", "", fmt.Errorf("parse multiaddr %q: %w", addr, err)
		}
		network, address, err = manet.DialArgs(m)
		if err != nil {
			return "", "", fmt.Errorf("multiaddr %q: %w", addr, err)
		}
		switch network {
		case "tcp", "tcp4", "tcp6", "unix":
			return network, address, nil
		default:
			return "", "", fmt.Errorf("multiaddr %q: %s is not a stream transport", addr, network)
		}
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("endpoint %q: %w", addr, err)
	}
	return "tcp", addr, nil
}
