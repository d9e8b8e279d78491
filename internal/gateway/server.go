// Package gateway is the HTTP/SSE API: realtime event and audio-chunk
// ingest, per-call snapshots and live audio, alert listing and
// acknowledgement, component health, and the supervisor event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/callpulse/callpulse/internal/bus"
	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/engine"
	"github.com/callpulse/callpulse/internal/liveaudio"
	"github.com/callpulse/callpulse/internal/observe"
)

// Config holds the gateway bind address and the handler knobs.
type Config struct {
	Host string
	Port int

	// IngestToken guards the ingest endpoints; empty disables auth.
	IngestToken string

	// UploadsDir holds historical per-call audio files served when live
	// audio is gone and the caller asked for fallback. Empty disables it.
	UploadsDir string

	// Defaults applied when an audio chunk does not declare its format.
	SampleRateDefault int
	ChannelsDefault   int

	// Status file locations and freshness bound for the health endpoints.
	ConnectorStatusPath string
	AudioHookStatusPath string
	StaleAfterSeconds   int
}

// Server wires the handlers to the engine, live-audio buffer, and bus.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	audio   *liveaudio.Service
	bus     *bus.Bus
	clk     clock.Clock
	log     *slog.Logger
	metrics *observe.Metrics

	// metricsHandler serves /metrics; nil disables the endpoint.
	metricsHandler http.Handler
}

// NewServer creates the gateway. metrics and metricsHandler may be nil.
func NewServer(cfg Config, eng *engine.Engine, audio *liveaudio.Service, b *bus.Bus,
	clk clock.Clock, log *slog.Logger, metrics *observe.Metrics, metricsHandler http.Handler) *Server {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SampleRateDefault <= 0 {
		cfg.SampleRateDefault = 8000
	}
	if cfg.ChannelsDefault <= 0 {
		cfg.ChannelsDefault = 1
	}
	return &Server{
		cfg:            cfg,
		engine:         eng,
		audio:          audio,
		bus:            b,
		clk:            clk,
		log:            log,
		metrics:        metrics,
		metricsHandler: metricsHandler,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/realtime/events", s.handleEvents)
	mux.HandleFunc("POST /api/realtime/audio/chunk", s.handleAudioChunk)
	mux.HandleFunc("GET /api/realtime/stream", s.handleStream)
	mux.HandleFunc("GET /api/realtime/calls/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/realtime/calls/{id}/audio.wav", s.handleAudioWAV)
	mux.HandleFunc("GET /api/realtime/calls/{id}/audio/meta", s.handleAudioMeta)
	mux.HandleFunc("GET /api/realtime/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/realtime/alerts/{id}/ack", s.handleAck)
	mux.HandleFunc("GET /health/connector", s.handleHealth(s.cfg.ConnectorStatusPath, connectorRunning))
	mux.HandleFunc("GET /health/audiohook", s.handleHealth(s.cfg.AudioHookStatusPath, audiohookRunning))
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)),
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway started", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.log.Info("gateway stopped")
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: serve: %w", err)
	}
}

// authorized checks the ingest token as X-Cloud-Token or a Bearer token.
func (s *Server) authorized(r *http.Request) bool {
	expected := strings.TrimSpace(s.cfg.IngestToken)
	if expected == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Cloud-Token")) == expected {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:]) == expected
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]any{"detail": detail})
}

func decodeBody(r *http.Request) (map[string]any, error) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}
