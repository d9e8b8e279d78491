package audiohook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/observe"
)

// Forwarder delivers one JSON payload to an internal sink.
type Forwarder interface {
	Post(ctx context.Context, payload any) error
}

// bufferCapFactor bounds buffered PCM at maxBytes * factor; above that the
// oldest audio is dropped so a stalled sink never blocks the reader for
// good.
const bufferCapFactor = 8

// Connection tracks one AudioHook websocket. Messages on a connection are
// processed in arrival order; the mutex serializes them against the
// periodic flush tick.
type Connection struct {
	id       string
	rawQuery string
	cfg      Config
	log      *slog.Logger
	clk      clock.Clock
	metrics  *observe.Metrics
	stats    *Stats

	audioSink Forwarder
	eventSink Forwarder

	send    func(ctx context.Context, frame []byte) error
	closeWS func(code websocket.StatusCode, reason string) error

	mu            sync.Mutex
	callID        string
	mediaFormat   string
	sampleRate    int
	channels      int
	channelLabels []string
	opened        bool
	openCommandID string
	seq           int
	buffer        []byte
	lastFlush     time.Time
	packetCount   int
	rawBytes      int
	endEmitted    bool

	warnDecode sync.Once
}

func newConnection(id, rawQuery string, cfg Config, log *slog.Logger, clk clock.Clock,
	metrics *observe.Metrics, stats *Stats, audioSink, eventSink Forwarder,
	send func(context.Context, []byte) error, closeWS func(websocket.StatusCode, string) error) *Connection {
	return &Connection{
		id:        id,
		rawQuery:  rawQuery,
		cfg:       cfg,
		log:       log.With("connection_id", id),
		clk:       clk,
		metrics:   metrics,
		stats:     stats,
		audioSink: audioSink,
		eventSink: eventSink,
		send:      send,
		closeWS:   closeWS,
		lastFlush: clk.Now(),
	}
}

// HandleBinary dispatches every packet in a binary websocket message.
func (c *Connection) HandleBinary(ctx context.Context, data []byte) {
	for _, p := range DecodePackets(data) {
		switch p.Type {
		case PacketCommand:
			c.handleCommand(ctx, p.Payload)
		case PacketAudio:
			c.handleAudio(ctx, p.Payload)
		default:
			c.log.Debug("ignoring unknown packet type", "type", fmt.Sprintf("%#02x", p.Type), "bytes", len(p.Payload))
		}
	}
}

// HandleText treats a text websocket message as a bare command payload.
func (c *Connection) HandleText(ctx context.Context, data []byte) {
	c.handleCommand(ctx, data)
}

func (c *Connection) handleCommand(ctx context.Context, payload []byte) {
	var command map[string]any
	if err := json.Unmarshal(payload, &command); err != nil {
		c.log.Debug("dropping command with invalid json")
		return
	}

	cmdType, _ := command["type"].(string)
	cmdID, _ := command["id"].(string)
	seq, _ := asInt(command["seq"])

	c.mu.Lock()
	if cmdID != "" {
		c.openCommandID = cmdID
	}
	if seq > c.seq {
		c.seq = seq
	}
	if cmdID == "" {
		cmdID = c.openCommandID
	}
	if seq == 0 {
		seq = c.seq
	}
	c.mu.Unlock()

	switch cmdType {
	case "open":
		c.handleOpen(ctx, command)
	case "ping":
		c.reply(ctx, map[string]any{
			"version": "2", "type": "pong", "id": cmdID, "seq": seq,
			"parameters": map[string]any{},
		})
	case "close":
		c.Teardown(ctx, "close_command")
		c.reply(ctx, map[string]any{
			"version": "2", "type": "closed", "id": cmdID, "seq": seq,
			"parameters": map[string]any{},
		})
		c.closeWS(websocket.StatusNormalClosure, "closed")
	case "disconnect", "error":
		c.Teardown(ctx, cmdType)
		c.closeWS(websocket.StatusInternalError, cmdType)
	case "event":
		c.forwardEventCommand(ctx, command)
	default:
		c.log.Debug("ignoring command", "type", cmdType)
	}
}

func (c *Connection) handleOpen(ctx context.Context, command map[string]any) {
	parameters, _ := command["parameters"].(map[string]any)
	media, _ := command["media"].(map[string]any)
	d := extractMedia(media)

	if d.Format == "" {
		d.Format = "PCMU"
	}
	if d.SampleRate <= 0 {
		d.SampleRate = c.cfg.SampleRateDefault
	}
	if d.Channels <= 0 {
		d.Channels = c.cfg.ChannelsDefault
	}
	if len(d.ChannelLabels) == 0 {
		d.ChannelLabels = defaultChannelLabels(d.Channels)
	}

	fallback := fmt.Sprintf("audiohook-%d", c.clk.Now().UnixMilli())
	if parameters == nil {
		parameters = map[string]any{}
	}

	c.mu.Lock()
	c.mediaFormat = d.Format
	c.sampleRate = d.SampleRate
	c.channels = d.Channels
	c.channelLabels = d.ChannelLabels
	c.callID = extractCallID(command, parameters, c.rawQuery, fallback)
	c.opened = true
	callID := c.callID
	openID := c.openCommandID
	seq := c.seq
	c.mu.Unlock()

	c.stats.setLastCall(callID, d.Format)

	id, _ := command["id"].(string)
	if id == "" {
		id = openID
	}
	if id == "" {
		id = "open-" + c.id
	}
	if s, ok := asInt(command["seq"]); ok && s != 0 {
		seq = s
	}
	c.reply(ctx, map[string]any{
		"version": "2",
		"type":    "opened",
		"id":      id,
		"seq":     seq,
		"parameters": map[string]any{
			"conversationId": callID,
		},
		"media": map[string]any{
			"type":     "audio",
			"format":   d.Format,
			"rate":     d.SampleRate,
			"channels": d.ChannelLabels,
		},
	})

	c.log.Info("audiohook stream opened",
		"call_id", callID, "format", d.Format, "rate", d.SampleRate, "channels", d.Channels)
}

func (c *Connection) handleAudio(ctx context.Context, payload []byte) {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		c.log.Debug("discarding audio before open")
		return
	}

	headers, raw := parseAudioHeaders(payload)
	if len(raw) == 0 {
		c.mu.Unlock()
		return
	}

	// Header media details refine the negotiated format and persist.
	if media, ok := headers["media"].(map[string]any); ok {
		d := extractMedia(media)
		if d.SampleRate > 0 {
			c.sampleRate = d.SampleRate
		}
		if d.Channels > 0 {
			c.channels = d.Channels
		}
		if len(d.ChannelLabels) > 0 {
			c.channelLabels = d.ChannelLabels
		}
		if d.Format != "" {
			c.mediaFormat = d.Format
		}
	}

	decoded, ok := decodePCM(raw, c.mediaFormat)
	if !ok {
		format := c.mediaFormat
		c.mu.Unlock()
		c.warnDecode.Do(func() {
			c.log.Warn("unsupported media format, dropping audio", "format", format)
		})
		return
	}

	c.packetCount++
	c.rawBytes += len(raw)
	c.buffer = append(c.buffer, decoded...)

	// Cap buffered PCM; drop oldest beyond the cap.
	if limit := c.maxBytesLocked() * bufferCapFactor; len(c.buffer) > limit {
		c.log.Warn("audio buffer over cap, dropping oldest", "dropped", len(c.buffer)-limit)
		c.buffer = append(c.buffer[:0:0], c.buffer[len(c.buffer)-limit:]...)
	}
	c.mu.Unlock()

	c.stats.AudioPackets.Add(1)
	c.stats.AudioBytes.Add(int64(len(raw)))

	c.Flush(ctx, false, "streaming")
}

// FlushTick is invoked by the server's per-connection interval timer.
func (c *Connection) FlushTick(ctx context.Context) {
	c.Flush(ctx, false, "interval")
}

// flushBatch carries drained chunks plus a snapshot of the media fields
// their payloads need, so the sink POST runs without the mutex.
type flushBatch struct {
	callID        string
	sampleRate    int
	channels      int
	channelLabels []string
	mediaFormat   string
	packetCount   int
	chunks        [][]byte
}

// Flush drains buffered PCM into sink chunks according to the min/max
// chunk budgets. force pushes out everything regardless of thresholds.
// Chunks are sliced off under the lock and forwarded outside it; a slow
// sink retrying never stalls packet handling.
func (c *Connection) Flush(ctx context.Context, force bool, reason string) {
	c.mu.Lock()
	batch := c.drainLocked(force)
	c.mu.Unlock()
	c.forwardBatch(ctx, batch, reason)
}

func (c *Connection) drainLocked(force bool) flushBatch {
	batch := flushBatch{
		callID:        c.callID,
		sampleRate:    c.sampleRate,
		channels:      c.channels,
		channelLabels: c.channelLabels,
		mediaFormat:   c.mediaFormat,
		packetCount:   c.packetCount,
	}
	if len(c.buffer) == 0 {
		return batch
	}
	minBytes := c.minBytesLocked()
	maxBytes := c.maxBytesLocked()

	elapsed := c.clk.Since(c.lastFlush)
	for len(c.buffer) > 0 {
		if !force && len(c.buffer) < minBytes && elapsed < c.cfg.FlushInterval {
			return batch
		}
		n := min(len(c.buffer), maxBytes)
		chunk := make([]byte, n)
		copy(chunk, c.buffer[:n])
		c.buffer = c.buffer[n:]

		batch.chunks = append(batch.chunks, chunk)
		c.lastFlush = c.clk.Now()
		elapsed = 0

		if !force && len(c.buffer) < maxBytes {
			return batch
		}
	}
	return batch
}

func (c *Connection) forwardBatch(ctx context.Context, batch flushBatch, reason string) {
	for _, chunk := range batch.chunks {
		c.forwardChunk(ctx, batch, chunk, reason)
	}
}

func (c *Connection) bytesPerSecondLocked() int {
	return max(1, c.sampleRate*c.channels*2)
}

func (c *Connection) minBytesLocked() int {
	return max(1, int(float64(c.bytesPerSecondLocked())*c.cfg.MinChunkDuration.Seconds()))
}

func (c *Connection) maxBytesLocked() int {
	return max(c.minBytesLocked(), int(float64(c.bytesPerSecondLocked())*c.cfg.MaxChunkDuration.Seconds()))
}

func (c *Connection) forwardChunk(ctx context.Context, batch flushBatch, chunk []byte, reason string) {
	if len(chunk) == 0 || batch.callID == "" {
		return
	}
	payload := map[string]any{
		"provider":       "genesys_audiohook",
		"call_id":        batch.callID,
		"audio_encoding": "pcm_s16le",
		"sample_rate":    batch.sampleRate,
		"channels":       batch.channels,
		"audio_b64":      base64.StdEncoding.EncodeToString(chunk),
		"status":         "active",
		"timestamp":      c.clk.Now().Format(time.RFC3339Nano),
		"metadata": map[string]any{
			"connection_id":      c.id,
			"channel_labels":     batch.channelLabels,
			"media_format":       batch.mediaFormat,
			"flush_reason":       reason,
			"audio_packet_count": batch.packetCount,
		},
	}
	if err := c.audioSink.Post(ctx, payload); err != nil {
		c.stats.ForwardFailures.Add(1)
		c.stats.setLastError(err)
		c.log.Error("failed to forward audio chunk", "call_id", batch.callID, "bytes", len(chunk), "error", err)
		return
	}
	c.stats.ForwardedChunks.Add(1)
	c.metrics.ChunkForwarded(ctx)
}

func (c *Connection) forwardEventCommand(ctx context.Context, command map[string]any) {
	c.mu.Lock()
	callID := c.callID
	c.mu.Unlock()
	if callID == "" {
		return
	}

	eventType, _ := command["eventType"].(string)
	if eventType == "" {
		eventType, _ = command["subType"].(string)
	}
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" {
		eventType = "audiohook_event"
	}
	parameters, _ := command["parameters"].(map[string]any)
	if parameters == nil {
		parameters = map[string]any{}
	}

	c.forwardEvent(ctx, map[string]any{
		"provider":   "genesys_audiohook",
		"call_id":    callID,
		"event_type": eventType,
		"speaker":    "",
		"text":       extractEventText(parameters),
		"status":     "active",
		"timestamp":  c.clk.Now().Format(time.RFC3339Nano),
		"metadata": map[string]any{
			"audiohook_command": command,
			"connection_id":     c.id,
		},
	})
}

// Teardown force-flushes buffered audio and emits the one-shot call_end
// event. Every close path funnels through here; the end event fires at
// most once per connection.
func (c *Connection) Teardown(ctx context.Context, reason string) {
	c.mu.Lock()
	batch := c.drainLocked(true)
	callID := c.callID
	emit := callID != "" && !c.endEmitted
	if emit {
		c.endEmitted = true
	}
	c.mu.Unlock()

	c.forwardBatch(ctx, batch, reason)
	if !emit {
		return
	}
	c.forwardEvent(ctx, map[string]any{
		"provider":   "genesys_audiohook",
		"call_id":    callID,
		"event_type": "call_end",
		"speaker":    "",
		"text":       "",
		"status":     "ended",
		"timestamp":  c.clk.Now().Format(time.RFC3339Nano),
		"metadata": map[string]any{
			"reason":        reason,
			"connection_id": c.id,
		},
	})
}

func (c *Connection) forwardEvent(ctx context.Context, payload map[string]any) {
	if err := c.eventSink.Post(ctx, payload); err != nil {
		c.stats.ForwardFailures.Add(1)
		c.stats.setLastError(err)
		c.log.Error("failed to forward event", "call_id", payload["call_id"], "error", err)
		return
	}
	c.stats.ForwardedEvents.Add(1)
	c.metrics.EventForwarded(ctx, "audiohook")
}

func (c *Connection) reply(ctx context.Context, command map[string]any) {
	frame, err := EncodeCommand(command)
	if err != nil {
		c.log.Error("failed to encode reply", "error", err)
		return
	}
	if err := c.send(ctx, frame); err != nil {
		c.log.Debug("failed to send reply", "error", err)
	}
}
