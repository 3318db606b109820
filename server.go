// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// State is the server lifecycle: Created -> Listening -> Stopped.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const maxAcceptDelay = time.Second

// Server accepts stream connections and answers every context it receives.
type Server struct {
	addr    string
	opts    *serverOptions
	log     *slog.Logger
	metrics *metrics
	limiter *hostLimiter
	conns   *registry

	running atomic.Bool
	nextID  atomic.Uint64

	mu       sync.Mutex // guards the fields below
	state    State
	listener net.Listener
	http     *http.Server
	httpLis  net.Listener
	grpc     *grpc.Server
	grpcLis  net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server for addr (host:port or multiaddr). An empty
// addr means DefaultAddr.
func NewServer(addr string, opts ...ServerOption) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	o := newServerOptions(opts)
	return &Server{
		addr:    addr,
		opts:    o,
		log:     o.logger.With("component", "ctxrpc.server"),
		metrics: newMetrics(o.registry),
		limiter: newHostLimiter(o.rateRPS, o.rateBurst),
		conns:   newRegistry(),
		state:   StateCreated,
	}
}

// Start binds the listener and runs the accept loop in the background. It
// returns once the server is listening. Bind failures are returned and
// leave the server in StateCreated.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("%w: cannot start a %s server", ErrServerState, s.state)
	}

	network, address, err := ParseEndpoint(s.addr)
	if err != nil {
		return err
	}
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.startGateways(ctx); err != nil {
		s.cancel()
		_ = lis.Close()
		return err
	}

	s.listener = lis
	s.running.Store(true)
	s.state = StateListening
	s.wg.Add(1)
	go s.acceptLoop(lis)

	s.log.Info("server listening",
		"addr", lis.Addr().String(),
		"framing", s.opts.framing.String(),
		"max_connections", s.opts.maxConns,
	)
	return nil
}

// Serve starts the server, blocks until ctx is done and then stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop clears the running flag, force-closes every registered connection,
// closes the listener and any gateways. It does not wait for connection
// handlers to return. Calling Stop on a server that is not listening is a
// no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.running.Store(false)
	lis, httpSrv, grpcSrv := s.listener, s.http, s.grpc
	s.mu.Unlock()

	closed := s.conns.closeAll()

	var errs []error
	if err := lis.Close(); err != nil && !isClosed(err) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	if httpSrv != nil {
		if err := httpSrv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close http gateway: %w", err))
		}
	}
	if grpcSrv != nil {
		// Stop blocks until in-flight RPCs return.
		go grpcSrv.Stop()
	}
	s.cancel()

	s.log.Info("server stopped", "closed_connections", closed)
	return errors.Join(errs...)
}

// Wait blocks until the accept loop has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// HTTPAddr returns the bound HTTP gateway address, if any.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC gateway address, if any.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the server is between Start and Stop.
func (s *Server) Running() bool {
	return s.running.Load()
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() int {
	return s.conns.len()
}

// Gatherer exposes the server's metrics.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.opts.registry
}

func (s *Server) acceptLoop(lis net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for s.running.Load() {
		conn, err := lis.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			if isClosed(err) {
				s.log.Error("listener closed unexpectedly", "err", err)
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.Warn("accept failed", "err", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	c := newStreamConn(s.nextID.Add(1), conn, s.opts)
	if !s.register(c.peer, conn) {
		return
	}
	go s.serveConn(c)
}

// register adds a connection to the registry, closing it when the server
// is stopping or full.
func (s *Server) register(p Peer, conn net.Conn) bool {
	ok, full := s.conns.add(p.ID, conn, s.opts.maxConns)
	if !ok {
		_ = conn.Close()
		if full {
			s.metrics.connRejected(p.Transport)
			s.log.Warn("connection limit reached, rejecting",
				"remote", p.Remote,
				"transport", p.Transport,
				"max_connections", s.opts.maxConns,
			)
		}
		return false
	}
	s.metrics.connOpened(p.Transport)
	s.log.Info("connection accepted", "conn_id", p.ID, "remote", p.Remote, "transport", p.Transport)
	return true
}

// release deregisters and closes a connection. It is safe to call after
// Stop already closed it.
func (s *Server) release(p Peer, conn net.Conn) {
	s.conns.remove(p.ID)
	_ = conn.Close()
	s.metrics.connClosed(p.Transport)
	s.log.Info("connection closed", "conn_id", p.ID, "remote", p.Remote, "transport", p.Transport)
}

// process decodes one payload and builds its response. ok is false when
// the payload was malformed and must be dropped.
func (s *Server) process(ctx context.Context, p Peer, payload []byte) (resp Context, ok bool) {
	req, err := decodeWith(s.opts.codec, payload)
	if err != nil {
		s.metrics.message(p.Transport, outcomeMalformed)
		s.log.Warn("dropping malformed payload",
			"conn_id", p.ID,
			"remote", p.Remote,
			"transport", p.Transport,
			"bytes", len(payload),
			"err", err,
		)
		return nil, false
	}
	return s.respond(ctx, p, req), true
}

// respond applies the rate limit and asks the responder for a reply.
func (s *Server) respond(ctx context.Context, p Peer, req Context) (resp Context) {
	if !s.limiter.allow(remoteHost(p.Remote), time.Now()) {
		s.metrics.message(p.Transport, outcomeRateLimited)
		s.log.Debug("rate limited", "conn_id", p.ID, "remote", p.Remote)
		return NewResponse(StatusRejected, "rate limit exceeded")
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.message(p.Transport, outcomeError)
			s.log.Error("responder panicked", "conn_id", p.ID, "remote", p.Remote, "panic", r)
			resp = NewResponse(StatusError, "internal error")
		}
	}()

	out, err := s.opts.responder.Respond(withPeer(ctx, p), req)
	s.metrics.observe(p.Transport, start)
	if err != nil {
		s.metrics.message(p.Transport, outcomeError)
		s.log.Warn("responder failed", "conn_id", p.ID, "remote", p.Remote, "err", err)
		return NewResponse(StatusError, err.Error())
	}
	if out == nil {
		out = Context{}
	}
	s.metrics.message(p.Transport, outcomeReceived)
	s.log.Debug("request processed", "conn_id", p.ID, "remote", p.Remote, "user", req.User())
	return out
}

// baseContext is cancelled by Stop.
func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
