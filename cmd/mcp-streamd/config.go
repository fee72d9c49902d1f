package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/lmittmann/tint"
)

// Config is read from the environment at startup.
type Config struct {
	ListenAddr      string        `env:"MCP_LISTEN_ADDR,default=127.0.0.1:8080"`
	Path            string        `env:"MCP_PATH,default=/mcp"`
	Stateless       bool          `env:"MCP_STATELESS,default=false"`
	LogFormat       string        `env:"MCP_LOG_FORMAT,default=dev"`
	LogLevel        string        `env:"MCP_LOG_LEVEL,default=info"`
	SignSessions    bool          `env:"MCP_SIGN_SESSIONS,default=false"`
	ShutdownTimeout time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s"`
	RedisAddr       string        `env:"REDIS_ADDR"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return Config{}, fmt.Errorf("MCP_PATH must start with '/', got %q", cfg.Path)
	}
	if cfg.Stateless && cfg.RedisAddr != "" {
		return Config{}, fmt.Errorf("REDIS_ADDR cannot be combined with MCP_STATELESS")
	}
	return cfg, nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case "dev", "":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
