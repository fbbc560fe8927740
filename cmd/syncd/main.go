// Command syncd runs the offline sync daemon: a durable action queue
// that drains when connectivity returns, with a TTL cache for reads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/lumeo/syncbox/server"
	"github.com/lumeo/syncbox/telemetry"
)

var version = "dev"

type cli struct {
	Address          string        `help:"Address to listen on." default:":8080"`
	DataDir          string        `help:"Directory holding the queue and cache databases." default:"./data"`
	ProbeURL         string        `help:"Connectivity check endpoint." name:"probe-url"`
	ProbeInterval    time.Duration `help:"How often to probe connectivity." default:"30s"`
	DrainConcurrency int           `help:"Concurrent handlers per drain pass." default:"4"`
	ActionTimeout    time.Duration `help:"Per-action execution deadline." default:"30s"`
	CacheTTL         time.Duration `help:"Default TTL for cached values." default:"24h"`
	ReaperInterval   time.Duration `help:"How often to sweep expired cache entries." default:"1h"`
	MaxConns         int           `help:"Maximum concurrent client connections, 0 for unlimited." default:"0"`
	OTLPEndpoint     string        `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
	Prometheus       bool          `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:""`
	LogLevel         string        `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat        string        `help:"Log format (text, json)." default:"text" enum:"text,json"`
	Version          kong.VersionFlag
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("syncd"),
		kong.Description("Offline sync daemon with a durable action queue and TTL cache."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flags.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %s", flags.LogLevel)
	}

	var handler slog.Handler
	switch flags.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "syncd",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	if err := os.MkdirAll(flags.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:          flags.Address,
		DataDir:          flags.DataDir,
		ProbeURL:         flags.ProbeURL,
		ProbeInterval:    flags.ProbeInterval,
		DrainConcurrency: flags.DrainConcurrency,
		ActionTimeout:    flags.ActionTimeout,
		CacheTTL:         flags.CacheTTL,
		ReaperInterval:   flags.ReaperInterval,
		MaxConns:         flags.MaxConns,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"data_dir", flags.DataDir,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
