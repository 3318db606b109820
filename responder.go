// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"net"
)

const (
	StatusReceived = "received"
	StatusRejected = "rejected"
	StatusError    = "error"

	unknownUser = "unknown"
)

// DefaultResponder acknowledges every context with the requesting user.
func DefaultResponder() Responder {
	return ResponderFunc(func(_ context.Context, req Context) (Context, error) {
		user := req.User()
		if user == "" {
			user = unknownUser
		}
		return NewResponse(StatusReceived, "Processed request from "+user), nil
	})
}

// NewResponse builds a {"status": ..., "response": ...} context.
func NewResponse(status, response string) Context {
	return Context{"status": status, "response": response}
}

type peerKey struct{}

// Peer describes the connection a request arrived on.
type Peer struct {
	ID        uint64
	Remote    string
	Transport string
}

// PeerFromContext returns the peer attached to a responder's context.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(Peer)
	return p, ok
}

func withPeer(ctx context.Context, p Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// remoteHost strips the port so rate limiting is per host.
func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil || host == "" {
		return remote
	}
	return host
}
