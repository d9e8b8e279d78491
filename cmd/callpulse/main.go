// Command callpulse runs the contact-center realtime telemetry plane: the
// HTTP/SSE gateway, the AudioHook websocket listener, and the vendor
// notification connector.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/callpulse/callpulse/internal/app"
	"github.com/callpulse/callpulse/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	printTopics := flag.Bool("print-topics", false, "print the merged connector topic list as JSON and exit")
	dryRun := flag.Bool("dry-run", false, "log forwarded chunks and events instead of ingesting them")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callpulse: %v\n", err)
		return 1
	}
	if *dryRun {
		cfg.AudioHook.DryRun = true
		cfg.Connector.DryRun = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Topic preview mode ────────────────────────────────────────────────────
	if *printTopics {
		preview, err := app.TopicPreview(ctx, cfg, logger)
		if err != nil {
			slog.Error("topic preview failed", "err", err)
			return 1
		}
		out, err := json.MarshalIndent(preview, "", "  ")
		if err != nil {
			slog.Error("encode topic preview", "err", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	slog.Info("callpulse starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
		"dry_run", *dryRun,
	)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        CallPulse — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Gateway        : %-20s ║\n", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))
	if cfg.AudioHook.Enabled {
		fmt.Printf("║  AudioHook      : %-20s ║\n", fmt.Sprintf("%s:%d%s", cfg.AudioHook.Host, cfg.AudioHook.Port, cfg.AudioHook.Path))
	} else {
		fmt.Printf("║  AudioHook      : %-20s ║\n", "(disabled)")
	}
	if cfg.Connector.Enabled {
		fmt.Printf("║  Connector      : %-20s ║\n", trimCell(cfg.Connector.APIBaseURL))
		fmt.Printf("║  Topic builder  : %-20s ║\n", cfg.Connector.TopicBuilder.Mode)
	} else {
		fmt.Printf("║  Connector      : %-20s ║\n", "(disabled)")
	}
	store := "memory"
	if cfg.Engine.PostgresDSN != "" {
		store = "postgres"
	}
	fmt.Printf("║  Call store     : %-20s ║\n", store)
	auth := "open"
	if cfg.IngestToken != "" {
		auth = "token"
	}
	fmt.Printf("║  Ingest auth    : %-20s ║\n", auth)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func trimCell(value string) string {
	if value == "" {
		return "(not configured)"
	}
	if len(value) > 20 {
		return value[:17] + "…"
	}
	return value
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
