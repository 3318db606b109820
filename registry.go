// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"io"
	"sync"
)

// registry is the server's set of open connections. It exists only so that
// Stop can close them; handlers own their connections.
type registry struct {
	mu     sync.Mutex
	conns  map[uint64]io.Closer
	closed bool
}

func newRegistry() *registry {
	return &registry{conns: make(map[uint64]io.Closer)}
}

// add registers c under id unless the registry was already drained by
// closeAll, or max (when > 0) entries are present.
func (r *registry) add(id uint64, c io.Closer, max int) (ok, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, false
	}
	if max > 0 && len(r.conns) >= max {
		return false, true
	}
	r.conns[id] = c
	return true, false
}

// remove reports whether id was still registered.
func (r *registry) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll refuses further registrations and closes every entry. Close
// errors are ignored.
func (r *registry) closeAll() int {
	r.mu.Lock()
	r.closed = true
	conns := make([]io.Closer, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
