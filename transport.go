// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"sort"
	"sync"
)

// Transport types
const (
	TransportTCP       = "tcp"  // raw stream, default
	TransportWebSocket = "ws"   // one context per WebSocket text message
	TransportJSON      = "json" // JSON-RPC 2.0 over HTTP
	TransportGRPC      = "grpc" // unary gRPC with a JSON codec
)

// DefaultTransport is the default transport type (TCP)
const DefaultTransport = TransportTCP

type newClientFunc func(addr string, o *dialOptions) Client

var (
	transportsMu sync.RWMutex
	transports   = map[string]newClientFunc{
		TransportTCP:       newStreamClientFunc,
		TransportWebSocket: newWSClient,
		TransportJSON:      newJSONClient,
	}
)

// registerTransport registers a new client transport
func registerTransport(name string, fn newClientFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = fn
}

func lookupTransport(name string) (newClientFunc, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	fn, ok := transports[name]
	return fn, ok
}

// AvailableTransports returns the sorted list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
