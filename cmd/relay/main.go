// Command relay runs the LLM gateway: an HTTP server that accepts
// requests in any supported wire dialect, routes model aliases to
// configured providers, and translates requests and responses between
// dialects on the way through.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/leofalp/relay/config"
	"github.com/leofalp/relay/oauth"
	"github.com/leofalp/relay/observability"
	"github.com/leofalp/relay/router"
	"github.com/leofalp/relay/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	logger := newLogger()
	slog.SetDefault(logger)
	observer := observability.NewSlog(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	gateway := server.New(cfg,
		router.NewAliasRouter(cfg.RouterTable()),
		oauth.NewStaticKeyBroker(cfg.BrokerHeaders()),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gateway,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			// Every request context carries the observer.
			return observability.WithObserver(context.Background(), observer)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func defaultConfigPath() string {
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		return path
	}
	return "relay.yaml"
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("RELAY_LOG_LEVEL")) {
	case "trace":
		level = observability.LevelTrace
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
