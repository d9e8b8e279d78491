package audiohook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/observe"
	"github.com/callpulse/callpulse/internal/status"
)

// statusPersistInterval is how often the status file is rewritten while
// the listener runs.
const statusPersistInterval = 2 * time.Second

// Config holds the listener's bind address, URL path, media defaults, and
// chunking budgets.
type Config struct {
	Host              string
	Port              int
	Path              string
	SampleRateDefault int
	ChannelsDefault   int
	FlushInterval     time.Duration
	MinChunkDuration  time.Duration
	MaxChunkDuration  time.Duration
}

// Stats are the listener counters persisted into the status file.
type Stats struct {
	ConnectionCount   atomic.Int64
	ActiveConnections atomic.Int64
	AudioPackets      atomic.Int64
	AudioBytes        atomic.Int64
	ForwardedChunks   atomic.Int64
	ForwardedEvents   atomic.Int64
	ForwardFailures   atomic.Int64

	mu              sync.Mutex
	lastCallID      string
	lastMediaFormat string
	lastError       string
}

func (s *Stats) setLastCall(callID, mediaFormat string) {
	s.mu.Lock()
	s.lastCallID = callID
	s.lastMediaFormat = mediaFormat
	s.mu.Unlock()
}

func (s *Stats) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Stats) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"connection_count":   s.ConnectionCount.Load(),
		"active_connections": s.ActiveConnections.Load(),
		"audio_packets":      s.AudioPackets.Load(),
		"audio_bytes":        s.AudioBytes.Load(),
		"forwarded_chunks":   s.ForwardedChunks.Load(),
		"forwarded_events":   s.ForwardedEvents.Load(),
		"forward_failures":   s.ForwardFailures.Load(),
		"last_call_id":       s.lastCallID,
		"last_media_format":  s.lastMediaFormat,
		"last_error":         s.lastError,
	}
}

// Server is the AudioHook websocket listener. Non-websocket GETs on the
// configured path answer a JSON health probe; all other paths 404.
type Server struct {
	cfg       Config
	log       *slog.Logger
	clk       clock.Clock
	metrics   *observe.Metrics
	stats     *Stats
	statusW   *status.Writer
	audioSink Forwarder
	eventSink Forwarder

	nextConn atomic.Uint64
}

// NewServer creates the listener. statusW and metrics may be nil.
func NewServer(cfg Config, log *slog.Logger, clk clock.Clock, metrics *observe.Metrics,
	statusW *status.Writer, audioSink, eventSink Forwarder) *Server {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		clk:       clk,
		metrics:   metrics,
		stats:     &Stats{},
		statusW:   statusW,
		audioSink: audioSink,
		eventSink: eventSink,
	}
}

// Run serves until ctx is cancelled, persisting status transitions along
// the way.
func (s *Server) Run(ctx context.Context) error {
	s.writeStatus("starting")

	srv := &http.Server{
		Addr:        net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)),
		Handler:     http.HandlerFunc(s.handle),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("audiohook listener started", "addr", srv.Addr, "path", s.cfg.Path)
		s.writeStatus("running")
		errCh <- srv.ListenAndServe()
	}()

	ticker := time.NewTicker(statusPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.writeStatus("stopping")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			s.writeStatus("stopped")
			s.log.Info("audiohook listener stopped")
			return err
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			if s.statusW != nil {
				s.statusW.SetError(err)
			}
			return fmt.Errorf("audiohook: serve: %w", err)
		case <-ticker.C:
			s.writeStatus("running")
		}
	}
}

func (s *Server) writeStatus(state string) {
	if s.statusW == nil {
		return
	}
	if err := s.statusW.Update(state, s.stats.snapshot()); err != nil {
		s.log.Debug("failed to write status file", "error", err)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if normalizePath(r.URL.Path) != normalizePath(s.cfg.Path) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Not found"})
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":        true,
			"service":   "genesys_audiohook_listener",
			"path":      s.cfg.Path,
			"timestamp": s.clk.Now().Format(time.RFC3339Nano),
		})
		return
	}
	s.serveWebsocket(w, r)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(4 << 20)

	ctx := r.Context()
	id := fmt.Sprintf("%d-%d", s.clk.Now().UnixMilli(), s.nextConn.Add(1))

	conn := newConnection(id, r.URL.RawQuery, s.cfg, s.log, s.clk, s.metrics, s.stats,
		s.audioSink, s.eventSink,
		func(ctx context.Context, frame []byte) error {
			return ws.Write(ctx, websocket.MessageBinary, frame)
		},
		func(code websocket.StatusCode, reason string) error {
			return ws.Close(code, reason)
		})

	s.stats.ConnectionCount.Add(1)
	s.stats.ActiveConnections.Add(1)
	s.metrics.ConnectionDelta(ctx, 1)
	s.log.Info("audiohook connected", "connection_id", id)

	// Interval flush catches audio idling below the min-chunk threshold.
	tickCtx, cancelTick := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				conn.FlushTick(tickCtx)
			}
		}
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				s.stats.setLastError(err)
				s.log.Warn("websocket read error", "connection_id", id, "error", err)
			}
			break
		}
		switch typ {
		case websocket.MessageBinary:
			conn.HandleBinary(ctx, data)
		case websocket.MessageText:
			conn.HandleText(ctx, data)
		}
	}

	cancelTick()
	// The request context may already be gone; teardown forwards with its
	// own deadline so the final flush and call_end still go out.
	teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn.Teardown(teardownCtx, "socket_closed")

	ws.Close(websocket.StatusNormalClosure, "")
	s.stats.ActiveConnections.Add(-1)
	s.metrics.ConnectionDelta(context.Background(), -1)
	s.log.Info("audiohook disconnected", "connection_id", id)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
