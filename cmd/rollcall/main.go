// Command rollcall resolves the student names found in lesson transcripts to
// the canonical names of the CRM roster.
//
// Usage:
//
//	rollcall [-config path] resolve   run one batch resolution and print the report
//	rollcall [-config path] serve     serve the review API with scheduled runs
//	rollcall [-config path] migrate   apply the mapping schema
//	rollcall [-config path] lookup    print the resolved name lookup as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/rollcall/internal/app"
	"github.com/MrWong99/rollcall/internal/config"
	"github.com/MrWong99/rollcall/internal/observe"
)

func main() {
	os.Exit(run())
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: rollcall [-config path] <resolve|serve|migrate|lookup>\n\n")
	flag.PrintDefaults()
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		return 2
	}
	command := flag.Arg(0)

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rollcall: config file %q not found; copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rollcall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "resolve":
		return runResolve(ctx, cfg)
	case "serve":
		return runServe(ctx, *configPath, cfg, level)
	case "migrate":
		return runMigrate(ctx, cfg)
	case "lookup":
		return runLookup(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "rollcall: unknown command %q\n", command)
		usage()
		return 2
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

func runResolve(ctx context.Context, cfg *config.Config) int {
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer shutdown(application)

	report, err := application.Resolve(ctx)
	if err != nil {
		slog.Error("batch run failed", "err", err)
		return 1
	}
	if err := printJSON(report); err != nil {
		slog.Error("failed to write report", "err", err)
		return 1
	}
	if n := len(report.Failures); n > 0 {
		slog.Warn("some names could not be processed", "failures", n)
	}
	return 0
}

func runMigrate(ctx context.Context, cfg *config.Config) int {
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer shutdown(application)

	if err := application.Migrate(ctx); err != nil {
		slog.Error("migration failed", "err", err)
		return 1
	}
	slog.Info("mapping schema is up to date")
	return 0
}

func runLookup(ctx context.Context, cfg *config.Config) int {
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer shutdown(application)

	lookup, err := application.Store().Lookup(ctx)
	if err != nil {
		slog.Error("lookup failed", "err", err)
		return 1
	}
	if err := printJSON(lookup); err != nil {
		slog.Error("failed to write lookup", "err", err)
		return 1
	}
	return 0
}

func runServe(ctx context.Context, configPath string, cfg *config.Config, level *slog.LevelVar) int {
	slog.Info("rollcall starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"roster", cfg.Roster.Source,
		"transcripts", cfg.Transcripts.Source,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "rollcall"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(_, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.ExtractionChanged || d.MatchingChanged {
			if err := application.Reload(next); err != nil {
				slog.Error("failed to apply reloaded config", "err", err)
			}
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		shutdown(application)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           application.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go application.RunScheduled(ctx)

	slog.Info("server ready; press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func shutdown(application *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
