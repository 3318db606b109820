// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ctxrpc

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"
)

// Context is the JSON object exchanged between clients and the server.
// Values are whatever encoding/json produces for an untyped document.
type Context map[string]any

// User returns the conventional "user" field, or "" when it is absent.
func (c Context) User() string {
	v, ok := c["user"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Codec encodes/decodes wire payloads
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// Encode serializes a context as JSON text without any framing.
func Encode(ctx Context) ([]byte, error) {
	return encodeWith(defaultCodec, ctx)
}

// Decode parses JSON text into a context. Anything that is not a UTF-8
// encoded JSON object fails with ErrMalformedPayload.
func Decode(data []byte) (Context, error) {
	return decodeWith(defaultCodec, data)
}

func encodeWith(c Codec, ctx Context) ([]byte, error) {
	if ctx == nil {
		ctx = Context{}
	}
	data, err := c.Encode(ctx)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return data, nil
}

func decodeWith(c Codec, data []byte) (Context, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedPayload)
	}
	var out Context
	if err := c.Decode(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	return out, nil
}

// asContext converts any string-keyed map into a Context. Everything else
// is rejected with ErrInvalidPayload.
func asContext(payload any) (Context, error) {
	switch p := payload.(type) {
	case Context:
		if p == nil {
			return nil, fmt.Errorf("%w: nil context", ErrInvalidPayload)
		}
		return p, nil
	case map[string]any:
		if p == nil {
			return nil, fmt.Errorf("%w: nil map", ErrInvalidPayload)
		}
		return Context(p), nil
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}

	v := reflect.ValueOf(payload)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String || v.IsNil() {
		return nil, fmt.Errorf("%w: want a string-keyed map, got %T", ErrInvalidPayload, payload)
	}
	out := make(Context, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, nil
}
