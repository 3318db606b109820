// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ctxrpc exchanges JSON context objects over stream connections.
//
// # Protocol
//
// A context is a JSON object. A client writes one context, the server
// answers with one context:
//
//	-> {"user": "alice", "query": "What is MCP?"}
//	<- {"status": "received", "response": "Processed request from alice"}
//
// A context without a "user" field is answered for "unknown". Payloads that
// are not JSON objects are logged and dropped; the connection stays open.
//
// # Framing
//
// FramingRaw (default) treats every transport read, up to 4096 bytes, as one
// message. It is compatible with existing peers but mis-delimits payloads
// larger than one read or several payloads arriving together. FramingLine
// and FramingLength add explicit delimiting; both sides must agree.
//
// # Usage
//
// Server usage:
//
//	srv := ctxrpc.NewServer("127.0.0.1:8000")
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
// Client usage:
//
//	client := ctxrpc.NewClient("127.0.0.1:8000")
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Send(ctxrpc.Context{"user": "alice"}); err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := client.Receive(time.Second) // nil, nil on timeout
//
// # Transports
//
// TCP is the default. With WithHTTPGateway the server also serves JSON-RPC
// 2.0 on /rpc (method Context.Exchange), WebSocket on /ws, Prometheus
// metrics on /metrics and health on /healthz. WithGRPCGateway adds a unary
// gRPC service using a JSON codec. Dial selects the client side with
// WithTransport:
//
//	client, err := ctxrpc.Dial(ctx, "127.0.0.1:8080", ctxrpc.WithTransport(ctxrpc.TransportWebSocket))
//
// # Shutdown
//
// Stop clears the running flag, closes every registered connection and then
// the listener. Closing is what unblocks handlers parked in Read and the
// accept loop parked in Accept; Stop does not wait for them.
package ctxrpc
