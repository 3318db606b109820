// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  DefaultReadBufferSize,
	WriteBufferSize: DefaultReadBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades the request and serves it like a stream
// connection: one context per message, one response per context.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.running.Load() {
		http.Error(w, "server is stopping", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(int64(s.opts.maxFrameSize))

	p := Peer{ID: s.nextID.Add(1), Remote: r.RemoteAddr, Transport: TransportWebSocket}
	if !s.register(p, ws.NetConn()) {
		return
	}
	s.serveWebSocket(p, ws)
}

func (s *Server) serveWebSocket(p Peer, ws *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("websocket handler panicked",
				"conn_id", p.ID,
				"remote", p.Remote,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		s.release(p, ws.NetConn())
	}()

	ctx := withPeer(s.baseContext(), p)
	for s.running.Load() {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("peer closed websocket", "conn_id", p.ID, "remote", p.Remote)
			} else {
				s.logReadEnd(p, err)
			}
			return
		}

		resp, ok := s.process(ctx, p, data)
		if !ok {
			continue
		}
		payload, err := encodeWith(s.opts.codec, resp)
		if err != nil {
			s.log.Error("encode response", "conn_id", p.ID, "remote", p.Remote, "err", err)
			continue
		}
		if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			if s.running.Load() {
				s.log.Warn("write failed", "conn_id", p.ID, "remote", p.Remote, "err", err)
			}
			return
		}
	}
}

// wsClient sends contexts as WebSocket text messages. A Receive that times
// out leaves the underlying connection unusable for further reads.
type wsClient struct {
	url  string
	opts *dialOptions
	log  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	readMu sync.Mutex
	closed atomic.Bool
}

func newWSClient(addr string, o *dialOptions) Client {
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		if url == "" {
			url = DefaultAddr
		}
		url = "ws://" + url + "/ws"
	}
	return &wsClient{
		url:  url,
		opts: o,
		log:  o.logger.With("component", "ctxrpc.client", "transport", TransportWebSocket, "url", url),
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if isRefused(err) {
			c.log.Warn("connection refused; make sure the server runs with an HTTP gateway on this address")
			return fmt.Errorf("%w: %s", ErrConnectionRefused, c.url)
		}
		c.log.Error("dial failed", "err", err)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn
	return nil
}

func (c *wsClient) Send(payload any) error {
	ctx, err := asContext(payload)
	if err != nil {
		return err
	}
	data, err := encodeWith(c.opts.codec, ctx)
	if err != nil {
		return err
	}
	conn, err := c.current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("send failed", "err", err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *wsClient) Receive(timeout time.Duration) (Context, error) {
	if timeout <= 0 {
		timeout = c.opts.receiveTimeout
	}
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		c.log.Warn("receive failed", "err", err)
		return nil, fmt.Errorf("receive: %w", err)
	}
	resp, err := decodeWith(c.opts.codec, data)
	if err != nil {
		c.log.Warn("discarding malformed response", "err", err)
		return nil, err
	}
	return resp, nil
}

func (c *wsClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *wsClient) current() (*websocket.Conn, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}
