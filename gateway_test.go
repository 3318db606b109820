// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGatewayServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{
		WithHTTPGateway("127.0.0.1:0"),
		WithGRPCGateway("127.0.0.1:0"),
	}, opts...)
	s := startServer(t, opts...)
	require.NotEmpty(t, s.HTTPAddr())
	require.NotEmpty(t, s.GRPCAddr())
	return s
}

func gatewayAddr(s *Server, transport string) string {
	switch transport {
	case TransportWebSocket, TransportJSON:
		return s.HTTPAddr()
	case TransportGRPC:
		return s.GRPCAddr()
	default:
		return s.Addr()
	}
}

func TestAvailableTransports(t *testing.T) {
	assert.Equal(t, []string{TransportGRPC, TransportJSON, TransportTCP, TransportWebSocket}, AvailableTransports())
	for _, name := range AvailableTransports() {
		assert.True(t, HasTransport(name), name)
	}
	assert.False(t, HasTransport("carrier-pigeon"))
}

func TestGatewayExchange(t *testing.T) {
	s := startGatewayServer(t)

	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			c, err := Dial(context.Background(), gatewayAddr(s, transport),
				WithTransport(transport),
				WithClientLogger(discardLogger()),
			)
			require.NoError(t, err)
			defer c.Close()

			require.NoError(t, c.Send(Context{"user": "alice", "query": "What is MCP?"}))
			resp, err := c.Receive(2 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, NewResponse(StatusReceived, "Processed request from alice"), resp)

			require.NoError(t, c.Send(map[string]any{}))
			resp, err = c.Receive(2 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, NewResponse(StatusReceived, "Processed request from unknown"), resp)

			require.ErrorIs(t, c.Send([]any{"not", "a", "map"}), ErrInvalidPayload)

			require.NoError(t, c.Close())
			require.NoError(t, c.Close())
			require.ErrorIs(t, c.Send(Context{}), ErrClientClosed)
		})
	}
}

func TestGatewayPeerTransport(t *testing.T) {
	s := startGatewayServer(t, WithResponder(ResponderFunc(func(ctx context.Context, _ Context) (Context, error) {
		p, ok := PeerFromContext(ctx)
		if !ok {
			return nil, errors.New("no peer")
		}
		return Context{"transport": p.Transport}, nil
	})))

	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			c, err := Dial(context.Background(), gatewayAddr(s, transport),
				WithTransport(transport),
				WithClientLogger(discardLogger()),
			)
			require.NoError(t, err)
			defer c.Close()

			require.NoError(t, c.Send(Context{}))
			resp, err := c.Receive(2 * time.Second)
			require.NoError(t, err)
			assert.Equal(t, transport, resp["transport"])
		})
	}
}

func TestQueuedReceiveTimeout(t *testing.T) {
	s := startGatewayServer(t)

	for _, transport := range []string{TransportJSON, TransportGRPC} {
		t.Run(transport, func(t *testing.T) {
			c, err := Dial(context.Background(), gatewayAddr(s, transport),
				WithTransport(transport),
				WithClientLogger(discardLogger()),
			)
			require.NoError(t, err)
			defer c.Close()

			resp, err := c.Receive(50 * time.Millisecond)
			require.NoError(t, err)
			assert.Nil(t, resp)
		})
	}
}

func TestWebSocketClosedOnStop(t *testing.T) {
	s := startGatewayServer(t)
	c, err := Dial(context.Background(), s.HTTPAddr(),
		WithTransport(TransportWebSocket),
		WithClientLogger(discardLogger()),
	)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(Context{"user": "alice"}))
	_, err = c.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConnectionCount())

	require.NoError(t, s.Stop())
	resp, err := c.Receive(2 * time.Second)
	require.Error(t, err)
	assert.Nil(t, resp)
}

func TestGatewayRefused(t *testing.T) {
	addr := freeAddr(t)

	_, err := Dial(context.Background(), addr,
		WithTransport(TransportWebSocket),
		WithClientLogger(discardLogger()),
	)
	require.ErrorIs(t, err, ErrConnectionRefused)

	c, err := Dial(context.Background(), addr,
		WithTransport(TransportGRPC),
		WithClientLogger(discardLogger()),
	)
	require.NoError(t, err, "gRPC connects lazily")
	defer c.Close()
	require.ErrorIs(t, c.Send(Context{}), ErrConnectionRefused)
}

func TestJSONRPCWireFormat(t *testing.T) {
	s := startGatewayServer(t)

	body := `{"jsonrpc":"2.0","method":"Context.Exchange","params":{"user":"dave"},"id":7}`
	resp, err := http.Post("http://"+s.HTTPAddr()+"/rpc", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Version string          `json:"jsonrpc"`
		Result  Context         `json:"result"`
		Error   json.RawMessage `json:"error"`
		ID      int             `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "2.0", out.Version)
	assert.Equal(t, 7, out.ID)
	assert.Empty(t, out.Error)
	assert.Equal(t, NewResponse(StatusReceived, "Processed request from dave"), out.Result)
}

func TestJSONRPCMissingParams(t *testing.T) {
	s := startGatewayServer(t)

	body := `{"jsonrpc":"2.0","method":"Context.Exchange","id":1}`
	resp, err := http.Post("http://"+s.HTTPAddr()+"/rpc", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Result Context         `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Nil(t, out.Result)
	assert.NotEmpty(t, out.Error)
}

func TestHealthz(t *testing.T) {
	s := startGatewayServer(t)

	resp, err := http.Get("http://" + s.HTTPAddr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "listening", health["state"])
	assert.Equal(t, 0.0, health["connections"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := startGatewayServer(t)

	c := connectClient(t, s.Addr())
	require.NoError(t, c.Send(Context{"user": "alice"}))
	_, err := c.Receive(2 * time.Second)
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.HTTPAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `ctxrpc_messages_total{outcome="received",transport="tcp"} 1`)
	assert.Contains(t, text, `ctxrpc_connections_accepted_total{transport="tcp"} 1`)
	assert.Contains(t, text, "ctxrpc_respond_duration_seconds")
}

func TestUnknownRoute(t *testing.T) {
	s := startGatewayServer(t)

	resp, err := http.Get("http://" + s.HTTPAddr() + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
