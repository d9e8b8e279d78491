// Package connector is the outbound vendor-notification client: it
// acquires an OAuth client-credentials token, creates a notification
// channel, subscribes to conversation topics, consumes the vendor
// websocket, and forwards normalized payloads to the event ingest sink.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/config"
	"github.com/callpulse/callpulse/internal/observe"
	"github.com/callpulse/callpulse/internal/sink"
	"github.com/callpulse/callpulse/internal/status"
)

// ErrNoTopics means neither the manual list nor the builder produced any
// subscription topics.
var ErrNoTopics = errors.New("connector: no subscription topics configured")

// topicPreviewLimit caps how many topics land in the status file.
const topicPreviewLimit = 20

// Forwarder delivers one normalized payload to the event ingest sink.
type Forwarder interface {
	Post(ctx context.Context, payload any) error
}

// wsConn is the slice of *websocket.Conn the run loop needs; tests swap
// in a scripted implementation.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, uri string) (wsConn, error)

// Connector runs the notification consumption loop. One cycle builds
// topics, creates and subscribes a channel, then reads the websocket
// until it drops; every failure path sleeps the reconnect delay and
// starts a fresh cycle.
type Connector struct {
	cfg     config.Connector
	api     *sink.Client
	tokens  *TokenSource
	topics  *TopicBuilder
	events  Forwarder
	statusW *status.Writer
	clk     clock.Clock
	log     *slog.Logger
	metrics *observe.Metrics
	dial    dialFunc

	mu              sync.Mutex
	forwardedEvents int64
	forwardFailures int64
	reconnectCount  int64
	topicsCount     int
	topicPreview    []string
	channelID       string
	websocketURI    string
	lastError       string
	lastEventAt     string
	lastCallID      string
	lastEventType   string
}

// New wires a Connector from configuration. events receives the
// normalized payloads; statusW and metrics may be nil.
func New(cfg config.Connector, httpCfg config.HTTP, events Forwarder, statusW *status.Writer,
	clk clock.Clock, log *slog.Logger, metrics *observe.Metrics) *Connector {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Connector{
		cfg:     cfg,
		events:  events,
		statusW: statusW,
		clk:     clk,
		log:     log,
		metrics: metrics,
	}
	c.api = sink.New(
		time.Duration(httpCfg.TimeoutSeconds)*time.Second,
		httpCfg.RetryMaxAttempts,
		time.Duration(httpCfg.RetryBackoffSeconds)*time.Second,
		httpCfg.VerifySSL,
		log,
		sink.WithUnauthorizedHook(func() { c.tokens.Invalidate() }),
		sink.WithMetrics(metrics),
	)
	c.tokens = NewTokenSource(c.api, cfg.LoginBaseURL, cfg.ClientID, cfg.ClientSecret, clk, log)
	c.topics = NewTopicBuilder(cfg, c.api, c.tokens.Headers(), clk, log)
	c.dial = func(ctx context.Context, uri string) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, uri, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(4 << 20)
		return conn, nil
	}
	return c
}

// TopicPreview runs a forced topic discovery and returns the merged set,
// for the -print-topics flag.
func (c *Connector) TopicPreview(ctx context.Context) (Preview, error) {
	return c.topics.Preview(ctx, true)
}

// Run loops until ctx is cancelled. Cycle failures are never fatal: they
// are recorded in the status file and retried after the reconnect delay.
func (c *Connector) Run(ctx context.Context) error {
	c.writeStatus("starting")
	c.log.Info("connector started",
		"api_base", c.cfg.APIBaseURL, "builder_mode", c.cfg.TopicBuilder.Mode, "dry_run", c.cfg.DryRun)

	for ctx.Err() == nil {
		if err := c.cycle(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("connector cycle failed", "error", err)
			c.setLastError(err)
			c.writeStatus("error")
			c.bumpReconnect(ctx)
			if err := sleepCtx(ctx, time.Duration(c.cfg.ReconnectDelaySeconds)*time.Second); err != nil {
				break
			}
		}
	}

	c.writeStatus("stopping")
	c.writeStatus("stopped")
	c.log.Info("connector stopped")
	return nil
}

func (c *Connector) cycle(ctx context.Context) error {
	preview, err := c.topics.Preview(ctx, false)
	if err != nil {
		return err
	}
	if len(preview.Topics) == 0 {
		return ErrNoTopics
	}

	c.mu.Lock()
	c.topicsCount = len(preview.Topics)
	c.topicPreview = preview.Topics[:min(topicPreviewLimit, len(preview.Topics))]
	c.mu.Unlock()
	c.writeStatus("connecting")

	channelID, connectURI, err := c.createChannel(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.channelID = channelID
	c.websocketURI = connectURI
	c.mu.Unlock()

	if err := c.subscribe(ctx, channelID, preview.Topics); err != nil {
		return err
	}
	c.writeStatus("subscribed")

	return c.consume(ctx, connectURI)
}

func (c *Connector) createChannel(ctx context.Context) (channelID, connectURI string, err error) {
	var resp struct {
		ID           string `json:"id"`
		ConnectURI   string `json:"connectUri"`
		WebsocketURI string `json:"websocketUri"`
		Expires      string `json:"expires"`
	}
	url := trimBaseURL(c.cfg.APIBaseURL) + "/api/v2/notifications/channels"
	if err := c.api.DoJSON(ctx, http.MethodPost, url, c.tokens.Headers(), map[string]any{}, &resp); err != nil {
		return "", "", fmt.Errorf("connector: create channel: %w", err)
	}
	uri := resp.ConnectURI
	if uri == "" {
		uri = resp.WebsocketURI
	}
	if resp.ID == "" || uri == "" {
		return "", "", errors.New("connector: channel response missing id or connect URI")
	}
	c.log.Info("notification channel created", "channel_id", resp.ID, "expires", resp.Expires)
	return resp.ID, uri, nil
}

func (c *Connector) subscribe(ctx context.Context, channelID string, topics []string) error {
	body := make([]map[string]string, 0, len(topics))
	for _, topic := range topics {
		body = append(body, map[string]string{"id": topic})
	}
	url := fmt.Sprintf("%s/api/v2/notifications/channels/%s/subscriptions", trimBaseURL(c.cfg.APIBaseURL), channelID)
	if err := c.api.DoJSON(ctx, http.MethodPost, url, c.tokens.Headers(), body, nil); err != nil {
		return fmt.Errorf("connector: subscribe channel %s: %w", channelID, err)
	}
	c.log.Info("channel subscribed", "channel_id", channelID, "topics", len(topics))
	return nil
}

// consume reads the notification websocket until it drops. A dropped
// socket is a normal reconnect, not a cycle error.
func (c *Connector) consume(ctx context.Context, connectURI string) error {
	conn, err := c.dial(ctx, connectURI)
	if err != nil {
		return fmt.Errorf("connector: dial %s: %w", connectURI, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.setLastError(nil)
	c.writeStatus("running")
	c.log.Info("notification websocket connected", "uri", connectURI)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("notification websocket closed", "error", err)
			c.writeStatus("reconnecting")
			c.bumpReconnect(ctx)
			return sleepCtx(ctx, time.Duration(c.cfg.ReconnectDelaySeconds)*time.Second)
		}
		if typ != websocket.MessageText {
			continue
		}
		c.handleMessage(ctx, data)
	}
}

func (c *Connector) handleMessage(ctx context.Context, data []byte) {
	forwarded := 0
	for _, n := range flattenNotifications(data) {
		for _, payload := range mapNotification(n, c.clk.Now()) {
			if err := c.events.Post(ctx, payload); err != nil {
				c.log.Warn("payload forward failed",
					"call_id", payload["call_id"], "event_type", payload["event_type"], "error", err)
				c.mu.Lock()
				c.forwardFailures++
				c.mu.Unlock()
				continue
			}
			forwarded++
			c.metrics.EventForwarded(ctx, "connector")
			callID, _ := payload["call_id"].(string)
			eventType, _ := payload["event_type"].(string)
			c.mu.Lock()
			c.forwardedEvents++
			c.lastEventAt = c.clk.Now().UTC().Format(time.RFC3339)
			c.lastCallID = callID
			c.lastEventType = eventType
			c.mu.Unlock()
		}
	}
	if forwarded > 0 {
		c.writeStatus("running")
		c.log.Debug("notification message forwarded", "payloads", forwarded)
	}
}

func (c *Connector) bumpReconnect(ctx context.Context) {
	c.mu.Lock()
	c.reconnectCount++
	c.mu.Unlock()
	c.metrics.Reconnect(ctx)
}

func (c *Connector) setLastError(err error) {
	c.mu.Lock()
	if err == nil {
		c.lastError = ""
	} else {
		c.lastError = err.Error()
	}
	c.mu.Unlock()
}

func (c *Connector) writeStatus(state string) {
	if c.statusW == nil {
		return
	}
	c.mu.Lock()
	fields := map[string]any{
		"dry_run":              c.cfg.DryRun,
		"topic_builder_mode":   c.cfg.TopicBuilder.Mode,
		"topics_count":         c.topicsCount,
		"topic_preview":        c.topicPreview,
		"forwarded_events":     c.forwardedEvents,
		"forward_failures":     c.forwardFailures,
		"reconnect_count":      c.reconnectCount,
		"last_error":           c.lastError,
		"channel_id":           c.channelID,
		"websocket_uri":        c.websocketURI,
		"last_event_at":        c.lastEventAt,
		"last_payload_call_id": c.lastCallID,
		"last_payload_type":    c.lastEventType,
	}
	if expires := c.tokens.ExpiresAt(); !expires.IsZero() {
		fields["token_expires_at"] = expires.UTC().Format(time.RFC3339)
	}
	c.mu.Unlock()

	if err := c.statusW.Update(state, fields); err != nil {
		c.log.Debug("failed to write status file", "error", err)
	}
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
