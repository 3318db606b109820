// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/ctxrpc"
)

var (
	sendAddr      string
	sendUser      string
	sendData      string
	sendTransport string
	sendTimeout   time.Duration
	sendCount     int
)

// sendCmd sends one context per client and prints the replies.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a context and print the response",
	Long: `Send a context to a running server and print the response.

Examples:
  ctxrpc send --user alice --data '{"query": "What is MCP?"}'

  # Ten concurrent clients
  ctxrpc send --user load --count 10

  # Through the WebSocket gateway
  ctxrpc send --transport ws --addr 127.0.0.1:8080`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendAddr, "addr", "", "Server address (default from config)")
	sendCmd.Flags().StringVar(&sendUser, "user", "", "Value of the \"user\" field")
	sendCmd.Flags().StringVar(&sendData, "data", "", "Context as a JSON object")
	sendCmd.Flags().StringVar(&sendTransport, "transport", "", "Transport: tcp, ws, json or grpc")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "How long to wait for each response (default from config)")
	sendCmd.Flags().IntVar(&sendCount, "count", 1, "Number of concurrent clients")
}

type sendRequest struct {
	addr    string
	payload ctxrpc.Context
	count   int
	timeout time.Duration
	opts    []ctxrpc.DialOption
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Client.Addr = sendAddr
	}
	if cmd.Flags().Changed("transport") {
		cfg.Client.Transport = sendTransport
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Client.ReceiveTimeout = sendTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	payload, err := buildPayload(sendData, sendUser)
	if err != nil {
		return err
	}
	opts, err := cfg.Client.Options()
	if err != nil {
		return err
	}

	return sendContexts(cmd.Context(), cmd.OutOrStdout(), sendRequest{
		addr:    cfg.Client.Addr,
		payload: payload,
		count:   sendCount,
		timeout: cfg.Client.ReceiveTimeout,
		opts:    append(opts, ctxrpc.WithClientLogger(log)),
	})
}

// buildPayload decodes data as a JSON object and sets "user" when given.
func buildPayload(data, user string) (ctxrpc.Context, error) {
	payload := ctxrpc.Context{}
	if data != "" {
		decoded, err := ctxrpc.Decode([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("--data: %w", err)
		}
		payload = decoded
	}
	if user != "" {
		payload["user"] = user
	}
	return payload, nil
}

func sendContexts(ctx context.Context, out io.Writer, req sendRequest) error {
	if req.count < 1 {
		req.count = 1
	}

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= req.count; i++ {
		i := i
		g.Go(func() error {
			resp, err := exchange(ctx, req)
			if err != nil {
				printf("%s [%d] %v\n", color.RedString("✗"), i, err)
				return err
			}
			if resp == nil {
				printf("%s [%d] no response within %s\n", color.YellowString("…"), i, req.timeout)
				return nil
			}
			body, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			printf("%s [%d] %s\n", color.GreenString("✓"), i, body)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, ctxrpc.ErrConnectionRefused) {
		printf("%s\n", color.YellowString(`Connection refused. Start the server with "ctxrpc serve" and check the address.`))
	}
	return err
}

func exchange(ctx context.Context, req sendRequest) (ctxrpc.Context, error) {
	c, err := ctxrpc.Dial(ctx, req.addr, req.opts...)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := c.Send(req.payload); err != nil {
		return nil, err
	}
	return c.Receive(req.timeout)
}
