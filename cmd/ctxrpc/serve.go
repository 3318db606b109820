// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luxfi/ctxrpc"
)

var (
	serveAddr     string
	serveHTTPAddr string
	serveGRPCAddr string
	serveFraming  string
)

// serveCmd runs the server until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the context server",
	Long: `Run the context server until SIGINT or SIGTERM.

Examples:
  # Listen on the default 127.0.0.1:8000
  ctxrpc serve

  # Also serve JSON-RPC, WebSocket, metrics and health on :8080
  ctxrpc serve --http-addr 127.0.0.1:8080

  # Listen on a unix socket
  ctxrpc serve --addr /unix/tmp/ctxrpc.sock`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, host:port or multiaddr")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "HTTP gateway address (JSON-RPC, WebSocket, metrics)")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC gateway address")
	serveCmd.Flags().StringVar(&serveFraming, "framing", "", "Stream framing: raw, line or length")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = serveAddr
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.Server.HTTPAddr = serveHTTPAddr
	}
	if cmd.Flags().Changed("grpc-addr") {
		cfg.Server.GRPCAddr = serveGRPCAddr
	}
	if cmd.Flags().Changed("framing") {
		cfg.Server.Framing = serveFraming
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts, err := cfg.Server.Options()
	if err != nil {
		return err
	}
	srv := ctxrpc.NewServer(cfg.Server.Addr, append(opts, ctxrpc.WithLogger(log))...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cmd, srv)
}

func serve(ctx context.Context, cmd *cobra.Command, srv *ctxrpc.Server) error {
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s listening on %s\n", color.GreenString("ctxrpc"), srv.Addr())
	if addr := srv.HTTPAddr(); addr != "" {
		fmt.Fprintf(out, "  http gateway on %s (/rpc, /ws, /metrics, /healthz)\n", addr)
	}
	if addr := srv.GRPCAddr(); addr != "" {
		fmt.Fprintf(out, "  grpc gateway on %s\n", addr)
	}

	<-ctx.Done()
	fmt.Fprintln(out, color.YellowString("Shutting down..."))
	return srv.Stop()
}
