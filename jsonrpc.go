// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

const (
	// JSONRPCMethod is the JSON-RPC 2.0 method served on /rpc.
	JSONRPCMethod = "Context.Exchange"

	maxRetries         = 3
	retryBaseWait      = 500 * time.Millisecond
	defaultCallTimeout = 30 * time.Second
	replyQueueSize     = 16
)

// contextService is registered with gorilla/rpc under the name "Context".
type contextService struct {
	server *Server
}

// Exchange answers one context.
func (cs *contextService) Exchange(r *http.Request, args *Context, reply *Context) error {
	s := cs.server
	p := Peer{ID: s.nextID.Add(1), Remote: r.RemoteAddr, Transport: TransportJSON}
	if args == nil || *args == nil {
		s.metrics.message(p.Transport, outcomeMalformed)
		return fmt.Errorf("%w: params must be a JSON object", ErrMalformedPayload)
	}
	*reply = s.respond(r.Context(), p, *args)
	return nil
}

func (s *Server) jsonRPCHandler() http.Handler {
	rpcServer := gorillarpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&contextService{server: s}, "Context"); err != nil {
		// contextService has a fixed, valid method set.
		panic(fmt.Sprintf("register json-rpc service: %v", err))
	}
	return rpcServer
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultCallTimeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// cleanlyCloseBody drains and closes an HTTP response body so the
// connection is not torn down with unread data.
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || isRefused(err) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe")
}

// sendJSONRequest posts one JSON-RPC 2.0 call, retrying transient failures
// with exponential backoff.
func sendJSONRequest(
	ctx context.Context,
	client *http.Client,
	uri *url.URL,
	method string,
	params any,
	reply any,
	log *slog.Logger,
) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			log.Debug("json-rpc attempt failed", "attempt", attempt+1, "err", err, "retryable", isRetryableError(err))
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			cleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		cleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}

	if isRefused(lastErr) {
		return fmt.Errorf("%w: %s: %v", ErrConnectionRefused, uri.Host, lastErr)
	}
	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// jsonClient performs one JSON-RPC call per Send and queues the reply for
// Receive.
type jsonClient struct {
	raw  string
	opts *dialOptions
	log  *slog.Logger

	uri       *url.URL
	http      *http.Client
	replies   chan Context
	connected atomic.Bool
	closed    atomic.Bool
}

func newJSONClient(addr string, o *dialOptions) Client {
	raw := addr
	if raw == "" {
		raw = DefaultAddr
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw + "/rpc"
	}
	return &jsonClient{
		raw:     raw,
		opts:    o,
		log:     o.logger.With("component", "ctxrpc.client", "transport", TransportJSON, "url", raw),
		http:    newHTTPClient(),
		replies: make(chan Context, replyQueueSize),
	}
}

// Connect validates the endpoint. HTTP is connectionless, so refusals
// surface from Send.
func (c *jsonClient) Connect(context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	uri, err := url.Parse(c.raw)
	if err != nil {
		return fmt.Errorf("parse json-rpc url %q: %w", c.raw, err)
	}
	if uri.Scheme != "http" && uri.Scheme != "https" {
		return fmt.Errorf("json-rpc url %q: unsupported scheme %q", c.raw, uri.Scheme)
	}
	c.uri = uri
	c.connected.Store(true)
	return nil
}

func (c *jsonClient) Send(payload any) error {
	req, err := asContext(payload)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	var reply Context
	if err := sendJSONRequest(ctx, c.http, c.uri, JSONRPCMethod, req, &reply, c.log); err != nil {
		if errors.Is(err, ErrConnectionRefused) {
			c.log.Warn("connection refused; make sure the server runs with an HTTP gateway on this address")
		} else {
			c.log.Warn("send failed", "err", err)
		}
		return err
	}
	if reply == nil {
		reply = Context{}
	}
	select {
	case c.replies <- reply:
		return nil
	default:
		return fmt.Errorf("reply queue full: %d unread replies", replyQueueSize)
	}
}

func (c *jsonClient) Receive(timeout time.Duration) (Context, error) {
	return receiveQueued(c.replies, timeout, c.opts.receiveTimeout, c.closed.Load(), c.connected.Load())
}

func (c *jsonClient) Close() error {
	c.closed.Store(true)
	return nil
}

// receiveQueued pops one reply from a request/response transport with the
// same timeout semantics as a stream Receive.
func receiveQueued(replies <-chan Context, timeout, fallback time.Duration, closed, connected bool) (Context, error) {
	if closed {
		return nil, ErrClientClosed
	}
	if !connected {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = fallback
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, nil
	}
}
