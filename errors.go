// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"errors"
	"net"
	"syscall"
)

var (
	// ErrMalformedPayload is returned when bytes on the wire are not a JSON object.
	ErrMalformedPayload = errors.New("ctxrpc: malformed payload")
	// ErrInvalidPayload is returned when a client is asked to send something
	// that is not a string-keyed mapping.
	ErrInvalidPayload = errors.New("ctxrpc: invalid payload")
	// ErrConnectionRefused is returned when the peer actively refuses a dial.
	ErrConnectionRefused = errors.New("ctxrpc: connection refused")
	// ErrNotConnected is returned by Send and Receive before Connect succeeds.
	ErrNotConnected = errors.New("ctxrpc: not connected")
	// ErrClientClosed is returned by every client operation after Close.
	ErrClientClosed = errors.New("ctxrpc: client closed")
	// ErrServerState is returned when Start is called on a server that is
	// already listening or has been stopped.
	ErrServerState = errors.New("ctxrpc: invalid server state")
	// ErrFrameTooLarge is returned when a line or length-prefixed frame is
	// empty or exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("ctxrpc: frame too large")
	// ErrUnknownTransport is returned by New and Dial for an unregistered
	// transport name.
	ErrUnknownTransport = errors.New("ctxrpc: unknown transport")
)

// isRefused reports whether err came from an actively refused dial.
func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClosed reports whether err is the result of using a closed socket.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
