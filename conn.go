// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"errors"
	"io"
	"net"
	"runtime/debug"
)

// streamConn is one accepted stream connection. It is owned by the
// goroutine running serveConn.
type streamConn struct {
	net.Conn
	peer   Peer
	frames frameReader
}

func newStreamConn(id uint64, conn net.Conn, o *serverOptions) *streamConn {
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		remote = addr.String()
	}
	return &streamConn{
		Conn:   conn,
		peer:   Peer{ID: id, Remote: remote, Transport: TransportTCP},
		frames: newFrameReader(o.framing, conn, o.readBufferSize, o.maxFrameSize),
	}
}

// serveConn answers messages on c until the peer closes, a transport error
// occurs or the server stops. Nothing escapes this function.
func (s *Server) serveConn(c *streamConn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panicked",
				"conn_id", c.peer.ID,
				"remote", c.peer.Remote,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		s.release(c.peer, c.Conn)
	}()

	ctx := withPeer(s.baseContext(), c.peer)
	for s.running.Load() {
		frame, err := c.frames.ReadFrame()
		if err != nil {
			s.logReadEnd(c.peer, err)
			return
		}

		resp, ok := s.process(ctx, c.peer, frame)
		if !ok {
			continue
		}
		payload, err := encodeWith(s.opts.codec, resp)
		if err != nil {
			s.log.Error("encode response", "conn_id", c.peer.ID, "remote", c.peer.Remote, "err", err)
			continue
		}
		if _, err := c.Write(appendFrame(s.opts.framing, payload)); err != nil {
			if s.running.Load() {
				s.log.Warn("write failed", "conn_id", c.peer.ID, "remote", c.peer.Remote, "err", err)
			}
			return
		}
	}
}

func (s *Server) logReadEnd(p Peer, err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("peer closed connection", "conn_id", p.ID, "remote", p.Remote)
	case !s.running.Load() || isClosed(err):
		s.log.Debug("connection closed during shutdown", "conn_id", p.ID, "remote", p.Remote)
	default:
		s.log.Warn("read failed", "conn_id", p.ID, "remote", p.Remote, "err", err)
	}
}
