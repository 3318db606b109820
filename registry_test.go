// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	closes atomic.Int32
	err    error
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return c.err
}

func TestRegistryAddRemove(t *testing.T) {
	r := newRegistry()
	a, b := &countingCloser{}, &countingCloser{}

	ok, full := r.add(1, a, 0)
	require.True(t, ok)
	require.False(t, full)
	ok, _ = r.add(2, b, 0)
	require.True(t, ok)
	assert.Equal(t, 2, r.len())

	assert.True(t, r.remove(1))
	assert.False(t, r.remove(1))
	assert.Equal(t, 1, r.len())
	assert.Zero(t, a.closes.Load(), "remove must not close")
}

func TestRegistryMax(t *testing.T) {
	r := newRegistry()
	ok, _ := r.add(1, &countingCloser{}, 1)
	require.True(t, ok)

	ok, full := r.add(2, &countingCloser{}, 1)
	assert.False(t, ok)
	assert.True(t, full)

	r.remove(1)
	ok, _ = r.add(3, &countingCloser{}, 1)
	assert.True(t, ok)
}

func TestRegistryCloseAll(t *testing.T) {
	r := newRegistry()
	closers := []*countingCloser{{}, {err: errors.New("already closed")}, {}}
	for i, c := range closers {
		ok, _ := r.add(uint64(i), c, 0)
		require.True(t, ok)
	}

	assert.Equal(t, 3, r.closeAll())
	assert.Zero(t, r.len())
	for _, c := range closers {
		assert.Equal(t, int32(1), c.closes.Load())
	}

	// Drained registries refuse late arrivals without reporting full.
	ok, full := r.add(9, &countingCloser{}, 0)
	assert.False(t, ok)
	assert.False(t, full)
	assert.Zero(t, r.closeAll())
}

func TestRegistryConcurrent(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			r.add(id, &countingCloser{}, 0)
			if id%2 == 0 {
				r.remove(id)
			}
		}(uint64(i))
	}
	wg.Wait()
	assert.Equal(t, 32, r.len())
}
