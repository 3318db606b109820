// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads ctxrpc settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/ctxrpc"
	"github.com/luxfi/ctxrpc/internal/logging"
)

// Environment overrides. They win over the config file.
const (
	EnvAddr           = "CTXRPC_ADDR"
	EnvHTTPAddr       = "CTXRPC_HTTP_ADDR"
	EnvGRPCAddr       = "CTXRPC_GRPC_ADDR"
	EnvFraming        = "CTXRPC_FRAMING"
	EnvMaxConnections = "CTXRPC_MAX_CONNECTIONS"
	EnvRateLimitRPS   = "CTXRPC_RATE_LIMIT_RPS"
	EnvRateLimitBurst = "CTXRPC_RATE_LIMIT_BURST"
	EnvReceiveTimeout = "CTXRPC_RECEIVE_TIMEOUT"
	EnvLogLevel       = "CTXRPC_LOG_LEVEL"
	EnvLogFormat      = "CTXRPC_LOG_FORMAT"
)

// DefaultPaths are searched in order when no explicit path is given.
var DefaultPaths = []string{"ctxrpc.yaml", "configs/ctxrpc.yaml"}

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr           string          `yaml:"addr"`
	HTTPAddr       string          `yaml:"httpAddr"`
	GRPCAddr       string          `yaml:"grpcAddr"`
	Framing        string          `yaml:"framing"`
	ReadBufferSize int             `yaml:"readBufferSize"`
	MaxFrameSize   int             `yaml:"maxFrameSize"`
	MaxConnections int             `yaml:"maxConnections"`
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig is a per-remote-host token bucket. Zero disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ClientConfig struct {
	Addr           string        `yaml:"addr"`
	Transport      string        `yaml:"transport"`
	Framing        string        `yaml:"framing"`
	ReceiveTimeout time.Duration `yaml:"receiveTimeout"`
}

type LogConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	FingerprintUsers bool   `yaml:"fingerprintUsers"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ctxrpc.DefaultAddr,
			Framing:        ctxrpc.FramingRaw.String(),
			ReadBufferSize: ctxrpc.DefaultReadBufferSize,
			MaxFrameSize:   ctxrpc.DefaultMaxFrameSize,
		},
		Client: ClientConfig{
			Addr:           ctxrpc.DefaultAddr,
			Transport:      ctxrpc.DefaultTransport,
			Framing:        ctxrpc.FramingRaw.String(),
			ReceiveTimeout: ctxrpc.DefaultReceiveTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load layers defaults, the YAML file at path (or the first of
// DefaultPaths that exists) and environment overrides, then validates the
// result. A missing explicit path is an error; missing default paths are
// not.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := DefaultPaths
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == "" {
				continue
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies CTXRPC_* variables. Unparseable values are
// ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := envString(EnvAddr); v != "" {
		cfg.Server.Addr = v
		cfg.Client.Addr = v
	}
	if v := envString(EnvHTTPAddr); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := envString(EnvGRPCAddr); v != "" {
		cfg.Server.GRPCAddr = v
	}
	if v := envString(EnvFraming); v != "" {
		cfg.Server.Framing = v
		cfg.Client.Framing = v
	}
	cfg.Server.MaxConnections = envIntWithFallback(EnvMaxConnections, cfg.Server.MaxConnections)
	cfg.Server.RateLimit.RPS = envFloatWithFallback(EnvRateLimitRPS, cfg.Server.RateLimit.RPS)
	cfg.Server.RateLimit.Burst = envIntWithFallback(EnvRateLimitBurst, cfg.Server.RateLimit.Burst)
	cfg.Client.ReceiveTimeout = envDurationWithFallback(EnvReceiveTimeout, cfg.Client.ReceiveTimeout)
	if v := envString(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := envString(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if _, _, err := ctxrpc.ParseEndpoint(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr: %w", err))
	}
	for name, addr := range map[string]string{"server.httpAddr": c.Server.HTTPAddr, "server.grpcAddr": c.Server.GRPCAddr} {
		if addr == "" {
			continue
		}
		if _, _, err := ctxrpc.ParseEndpoint(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := ctxrpc.ParseFraming(c.Server.Framing); err != nil {
		errs = append(errs, fmt.Errorf("server.framing: %w", err))
	}
	if _, err := ctxrpc.ParseFraming(c.Client.Framing); err != nil {
		errs = append(errs, fmt.Errorf("client.framing: %w", err))
	}
	if c.Server.ReadBufferSize < 0 || c.Server.MaxFrameSize < 0 || c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server: sizes and limits must not be negative"))
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rateLimit: must not be negative"))
	}
	if c.Client.Transport != "" && !ctxrpc.HasTransport(c.Client.Transport) {
		errs = append(errs, fmt.Errorf("client.transport: unknown transport %q (available: %s)",
			c.Client.Transport, strings.Join(ctxrpc.AvailableTransports(), ", ")))
	}
	if c.Client.ReceiveTimeout < 0 {
		errs = append(errs, errors.New("client.receiveTimeout: must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Options converts the server section into server options.
func (c ServerConfig) Options() ([]ctxrpc.ServerOption, error) {
	framing, err := ctxrpc.ParseFraming(c.Framing)
	if err != nil {
		return nil, err
	}
	opts := []ctxrpc.ServerOption{
		ctxrpc.WithServerFraming(framing),
		ctxrpc.WithReadBufferSize(c.ReadBufferSize),
		ctxrpc.WithMaxFrameSize(c.MaxFrameSize),
		ctxrpc.WithMaxConnections(c.MaxConnections),
		ctxrpc.WithRateLimit(c.RateLimit.RPS, c.RateLimit.Burst),
	}
	if c.HTTPAddr != "" {
		opts = append(opts, ctxrpc.WithHTTPGateway(c.HTTPAddr))
	}
	if c.GRPCAddr != "" {
		opts = append(opts, ctxrpc.WithGRPCGateway(c.GRPCAddr))
	}
	return opts, nil
}

// Options converts the client section into dial options.
func (c ClientConfig) Options() ([]ctxrpc.DialOption, error) {
	framing, err := ctxrpc.ParseFraming(c.Framing)
	if err != nil {
		return nil, err
	}
	opts := []ctxrpc.DialOption{
		ctxrpc.WithFraming(framing),
		ctxrpc.WithReceiveTimeout(c.ReceiveTimeout),
	}
	if c.Transport != "" {
		opts = append(opts, ctxrpc.WithTransport(c.Transport))
	}
	return opts, nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envIntWithFallback(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloatWithFallback(key string, fallback float64) float64 {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDurationWithFallback(key string, fallback time.Duration) time.Duration {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
