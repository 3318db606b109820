// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

// startGateways binds the optional HTTP and gRPC gateways. Called with s.mu
// held, after s.ctx is set.
func (s *Server) startGateways(ctx context.Context) error {
	base := s.ctx
	if s.opts.httpAddr != "" {
		lis, err := listenGateway(ctx, "http", s.opts.httpAddr)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Handler:           s.router(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		}
		s.http, s.httpLis = srv, lis
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http gateway stopped", "err", err)
			}
		}()
		s.log.Info("http gateway listening", "addr", lis.Addr().String())
	}

	if s.opts.grpcAddr != "" {
		lis, err := listenGateway(ctx, "grpc", s.opts.grpcAddr)
		if err != nil {
			if s.http != nil {
				_ = s.http.Close()
				s.http, s.httpLis = nil, nil
			}
			return err
		}
		srv := grpc.NewServer()
		srv.RegisterService(&contextServiceDesc, &grpcBridge{server: s})
		s.grpc, s.grpcLis = srv, lis
		go func() {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.log.Error("grpc gateway stopped", "err", err)
			}
		}()
		s.log.Info("grpc gateway listening", "addr", lis.Addr().String())
	}
	return nil
}

func listenGateway(ctx context.Context, name, addr string) (net.Listener, error) {
	network, address, err := ParseEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("%s gateway: %w", name, err)
	}
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s gateway %s: %w", name, addr, err)
	}
	return lis, nil
}

func (s *Server) router() http.Handler {
	r := httprouter.New()
	r.Handler(http.MethodPost, "/rpc", s.jsonRPCHandler())
	r.HandlerFunc(http.MethodGet, "/ws", s.handleWebSocket)
	r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.registry, promhttp.HandlerOpts{}))
	r.GET("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	if !s.running.Load() {
		status = "stopping"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"state":       s.State().String(),
		"connections": s.conns.len(),
	})
}
