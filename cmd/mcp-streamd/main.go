// Command mcp-streamd serves a handful of demo methods over the streamable
// HTTP transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-streamable-rpc/broker/redis"
	"github.com/ggoodman/mcp-streamable-rpc/sessiontoken"
	"github.com/ggoodman/mcp-streamable-rpc/streaminghttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-streamd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, cleanup, err := newHandler(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, h)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.ListenAddr), slog.String("path", cfg.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Streams are held open by their GET requests; ending them first lets
	// Shutdown drain.
	_ = h.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("server.shutdown.ok")
	return nil
}

// newHandler builds the transport for cfg. The returned cleanup releases the
// broker connection, if any.
func newHandler(ctx context.Context, cfg Config, log *slog.Logger) (*streaminghttp.StreamingHTTPHandler, func(), error) {
	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithStateless(cfg.Stateless),
	}
	cleanup := func() {}

	if cfg.SignSessions {
		signer, err := sessiontoken.NewRandomMemoryJWS()
		if err != nil {
			return nil, nil, fmt.Errorf("create session signer: %w", err)
		}
		opts = append(opts, streaminghttp.WithSessionSigner(signer))
	}

	if cfg.RedisAddr != "" {
		b, err := redis.NewFromEnv(ctx)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = b.Close() }
		opts = append(opts, streaminghttp.WithBroker(b, ""))
		log.Info("broker.redis.connected", slog.String("addr", cfg.RedisAddr))
	}

	h, err := streaminghttp.New(demoMethods(log).Lookup, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return h, func() {
		_ = h.Close()
		cleanup()
	}, nil
}
