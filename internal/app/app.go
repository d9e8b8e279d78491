// Package app assembles the services from configuration and runs them
// under one lifecycle: the gateway always, the audiohook listener and the
// vendor connector when enabled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callpulse/callpulse/internal/audiohook"
	"github.com/callpulse/callpulse/internal/bus"
	"github.com/callpulse/callpulse/internal/callstore"
	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/config"
	"github.com/callpulse/callpulse/internal/connector"
	"github.com/callpulse/callpulse/internal/engine"
	"github.com/callpulse/callpulse/internal/gateway"
	"github.com/callpulse/callpulse/internal/liveaudio"
	"github.com/callpulse/callpulse/internal/observe"
	"github.com/callpulse/callpulse/internal/sink"
	"github.com/callpulse/callpulse/internal/status"
)

// App owns the wired components and their shared teardown.
type App struct {
	cfg config.Config
	log *slog.Logger

	provider  *observe.Provider
	store     callstore.Store
	bus       *bus.Bus
	gateway   *gateway.Server
	audiohook *audiohook.Server
	connector *connector.Connector
}

// New builds every component the configuration asks for. The store is
// Postgres when a DSN is set, in-memory otherwise.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	clk := clock.System()

	provider, err := observe.InitProvider()
	if err != nil {
		return nil, err
	}
	metrics, err := observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		provider.Shutdown(ctx)
		return nil, err
	}

	var store callstore.Store
	if cfg.Engine.PostgresDSN != "" {
		store, err = callstore.NewPostgresStore(ctx, cfg.Engine.PostgresDSN)
		if err != nil {
			provider.Shutdown(ctx)
			return nil, err
		}
		log.Info("call store ready", "backend", "postgres")
	} else {
		store = callstore.NewMemStore()
		log.Info("call store ready", "backend", "memory")
	}

	b := bus.New(log)
	audio := liveaudio.New(cfg.LiveAudio.Dir, cfg.LiveAudio.WindowSeconds,
		cfg.LiveAudio.MaxChunkBytes, clk, log)
	eng := engine.New(store, b, clk, log, metrics, engine.Config{
		NegativeSentimentThreshold: cfg.Engine.NegativeSentimentThreshold,
		HighRiskThreshold:          cfg.Engine.HighRiskThreshold,
		CooldownSeconds:            cfg.Engine.AlertCooldownSeconds,
		Keywords:                   cfg.Engine.Keywords(),
		WorkerConcurrency:          cfg.Engine.WorkerConcurrency,
	})

	connectorStatusPath := filepath.Join(cfg.Status.Dir, "connector.json")
	audiohookStatusPath := filepath.Join(cfg.Status.Dir, "audiohook.json")

	gw := gateway.NewServer(gateway.Config{
		Host:                cfg.Gateway.Host,
		Port:                cfg.Gateway.Port,
		IngestToken:         cfg.IngestToken,
		UploadsDir:          cfg.UploadsDir,
		SampleRateDefault:   cfg.AudioHook.SampleRateDefault,
		ChannelsDefault:     cfg.AudioHook.ChannelsDefault,
		ConnectorStatusPath: connectorStatusPath,
		AudioHookStatusPath: audiohookStatusPath,
		StaleAfterSeconds:   cfg.Status.StaleAfterSeconds,
	}, eng, audio, b, clk, log, metrics, provider.Handler)

	a := &App{
		cfg:      cfg,
		log:      log,
		provider: provider,
		store:    store,
		bus:      b,
		gateway:  gw,
	}

	httpClient := sink.New(
		time.Duration(cfg.HTTP.TimeoutSeconds)*time.Second,
		cfg.HTTP.RetryMaxAttempts,
		time.Duration(cfg.HTTP.RetryBackoffSeconds)*time.Second,
		cfg.HTTP.VerifySSL,
		log,
		sink.WithMetrics(metrics),
	)

	if cfg.AudioHook.Enabled {
		audioSink := a.audioSink(httpClient, gw)
		eventSink := a.eventSink(httpClient, gw, "audiohook_events",
			cfg.AudioHook.EventIngestURL, cfg.AudioHook.DryRun)
		a.audiohook = audiohook.NewServer(audiohook.Config{
			Host:              cfg.AudioHook.Host,
			Port:              cfg.AudioHook.Port,
			Path:              cfg.AudioHook.Path,
			SampleRateDefault: cfg.AudioHook.SampleRateDefault,
			ChannelsDefault:   cfg.AudioHook.ChannelsDefault,
			FlushInterval:     time.Duration(cfg.AudioHook.FlushIntervalMS) * time.Millisecond,
			MinChunkDuration:  time.Duration(cfg.AudioHook.MinChunkDurationMS) * time.Millisecond,
			MaxChunkDuration:  time.Duration(cfg.AudioHook.MaxChunkDurationMS) * time.Millisecond,
		}, log, clk, metrics, status.NewWriter(audiohookStatusPath, clk), audioSink, eventSink)
	}

	if cfg.Connector.Enabled {
		events := a.eventSink(httpClient, gw, "connector_events",
			cfg.Connector.EventIngestURL, cfg.Connector.DryRun)
		a.connector = connector.New(cfg.Connector, cfg.HTTP, events,
			status.NewWriter(connectorStatusPath, clk), clk, log, metrics)
	}

	return a, nil
}

// audioSink returns the destination for flushed audio chunks: the HTTP
// ingest endpoint when configured, the gateway's in-process path otherwise.
func (a *App) audioSink(client *sink.Client, gw *gateway.Server) audiohook.Forwarder {
	cfg := a.cfg.AudioHook
	if cfg.AudioIngestURL != "" || cfg.DryRun {
		return sink.NewPoster(client, "audio_ingest", cfg.AudioIngestURL,
			a.cfg.IngestToken, cfg.DryRun, a.log)
	}
	return &audioForwarder{gw: gw}
}

func (a *App) eventSink(client *sink.Client, gw *gateway.Server, name, url string, dryRun bool) connector.Forwarder {
	if url != "" || dryRun {
		return sink.NewPoster(client, name, url, a.cfg.IngestToken, dryRun, a.log)
	}
	return &eventForwarder{gw: gw}
}

// Run serves every enabled component until ctx is cancelled or one of
// them fails, then tears down shared resources.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.gateway.Run(ctx) })
	if a.audiohook != nil {
		g.Go(func() error { return a.audiohook.Run(ctx) })
	}
	if a.connector != nil {
		g.Go(func() error { return a.connector.Run(ctx) })
	}
	err := g.Wait()

	a.bus.Close()
	a.store.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if perr := a.provider.Shutdown(shutdownCtx); perr != nil {
		a.log.Warn("metrics shutdown failed", "error", perr)
	}
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// TopicPreview builds a connector from cfg and returns the merged topic
// preview without subscribing, for the -print-topics flag.
func TopicPreview(ctx context.Context, cfg config.Config, log *slog.Logger) (connector.Preview, error) {
	c := connector.New(cfg.Connector, cfg.HTTP, nopForwarder{}, nil, nil, log, nil)
	return c.TopicPreview(ctx)
}
