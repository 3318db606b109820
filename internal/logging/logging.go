// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging builds the slog loggers used by the ctxrpc binaries.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce         = randomNonce()
	sensitiveKeyParts = []string{"token", "secret", "password", "passphrase", "authorization", "auth"}
	identityKeys      = map[string]struct{}{
		"user": {},
	}
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
	// Fingerprint replaces user identities with a per-process hash.
	Fingerprint bool
}

// New returns a logger writing to opts.Output (stderr by default) with
// sensitive attributes redacted.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		base = slog.NewTextHandler(out, hopts)
	case "json":
		base = slog.NewJSONHandler(out, hopts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(WrapHandler(base, opts.Fingerprint)), nil
}

// ParseLevel parses a level name. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SanitizingHandler redacts secrets and optionally fingerprints identities
// before passing records on.
type SanitizingHandler struct {
	next        slog.Handler
	fingerprint bool
}

func WrapHandler(next slog.Handler, fingerprint bool) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next, fingerprint: fingerprint}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, h.sanitize(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean), fingerprint: h.fingerprint}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), fingerprint: h.fingerprint}
}

func (h *SanitizingHandler) sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	if isSensitiveKey(lower) {
		return slog.String(key, redactedValue)
	}
	if _, ok := identityKeys[lower]; ok && h.fingerprint {
		return slog.String(key+"_fp", Fingerprint(attr.Value.Resolve().String()))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		clean := make([]any, 0, len(group))
		for _, a := range group {
			clean = append(clean, h.sanitize(a))
		}
		return slog.Group(key, clean...)
	}
	return attr
}

// Fingerprint hashes value with a nonce chosen at process start, so the same
// identity can be correlated within one run only.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := xxhash.Sum64String(trimmed + "|" + bootNonce)
	return "fp_" + strconv.FormatUint(sum, 16)
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
