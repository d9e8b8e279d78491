package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/callpulse/callpulse/internal/callstore"
	"github.com/callpulse/callpulse/internal/engine"
	"github.com/callpulse/callpulse/internal/liveaudio"
)

// maxTranscriptSegments caps how many events one audio chunk can carry.
const maxTranscriptSegments = 50

// ingestResponse is the body returned by the event ingest endpoint.
type ingestResponse struct {
	OK             bool              `json:"ok"`
	CallID         string            `json:"call_id"`
	RiskScore      float64           `json:"risk_score"`
	SentimentScore float64           `json:"sentiment_score"`
	Alerts         []callstore.Alert `json:"alerts"`
	Snapshot       engine.Snapshot   `json:"snapshot"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeDetail(w, http.StatusUnauthorized, "Unauthorized ingest token")
		return
	}
	payload, err := decodeBody(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	result, err := s.ingestOne(r.Context(), payload)
	switch {
	case errors.Is(err, engine.ErrMissingCallID):
		writeDetail(w, http.StatusBadRequest, "Missing call_id")
		return
	case err != nil:
		s.log.Error("event ingest failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to ingest event")
		return
	}

	snapshot, err := s.engine.GetSnapshot(r.Context(), result.Call.ID)
	if err != nil {
		s.log.Error("snapshot after ingest failed", "call_id", result.Call.ID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		OK:             true,
		CallID:         result.Call.ID,
		RiskScore:      result.Call.RiskScore,
		SentimentScore: result.Call.SentimentScore,
		Alerts:         nonNilAlerts(result.Alerts),
		Snapshot:       snapshot,
	})
}

func (s *Server) ingestOne(ctx context.Context, payload map[string]any) (engine.Result, error) {
	return s.engine.Ingest(ctx, payload)
}

// IngestEvent runs one realtime event through the engine without HTTP.
// In-process forwarders use it when no ingest URL is configured.
func (s *Server) IngestEvent(ctx context.Context, payload map[string]any) (engine.Result, error) {
	return s.ingestOne(ctx, payload)
}

// IngestAudio appends the chunk to the live buffer and ingests the events
// it carries, mirroring the audio-chunk endpoint for in-process callers.
func (s *Server) IngestAudio(ctx context.Context, payload map[string]any) error {
	callID := extractCallID(payload)
	if callID == "" {
		return engine.ErrMissingCallID
	}
	chunk, detail := s.decodeAudioChunk(payload)
	if detail != "" {
		return fmt.Errorf("gateway: audio payload: %s", strings.ToLower(detail))
	}
	summary, err := s.audio.Append(callID, chunk.pcm, chunk.sampleRate, chunk.channels,
		chunk.sampleWidth, chunk.chunkID, chunk.occurredAt)
	if err != nil {
		return err
	}

	var firstErr error
	ingested := 0
	for _, event := range buildAudioEvents(payload, callID, summary) {
		if _, err := s.ingestOne(ctx, event); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ingested++
	}
	if ingested == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

func (s *Server) handleAudioChunk(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeDetail(w, http.StatusUnauthorized, "Unauthorized ingest token")
		return
	}
	payload, err := decodeBody(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	callID := extractCallID(payload)
	if callID == "" {
		writeDetail(w, http.StatusBadRequest, "Missing call_id")
		return
	}

	chunk, detail := s.decodeAudioChunk(payload)
	if detail != "" {
		writeDetail(w, http.StatusBadRequest, detail)
		return
	}

	summary, err := s.audio.Append(callID, chunk.pcm, chunk.sampleRate, chunk.channels,
		chunk.sampleWidth, chunk.chunkID, chunk.occurredAt)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	warnings := []string{}
	var results []engine.Result
	for _, event := range buildAudioEvents(payload, callID, summary) {
		result, err := s.ingestOne(r.Context(), event)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		results = append(results, result)
	}
	if len(results) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail":   "No realtime events were ingested from audio payload",
			"audio":    summary,
			"warnings": warnings,
		})
		return
	}

	// Alerts can repeat across segment ingests of one chunk; dedupe by id.
	seen := make(map[int64]bool)
	alerts := []callstore.Alert{}
	for _, result := range results {
		for _, a := range result.Alerts {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			alerts = append(alerts, a)
		}
	}

	snapshot, err := s.engine.GetSnapshot(r.Context(), callID)
	if err != nil {
		s.log.Error("snapshot after audio ingest failed", "call_id", callID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"call_id":         callID,
		"audio":           summary,
		"ingested_events": len(results),
		"alerts":          alerts,
		"snapshot":        snapshot,
		"warnings":        warnings,
	})
}

type audioChunk struct {
	pcm         []byte
	sampleRate  int
	channels    int
	sampleWidth int
	chunkID     string
	occurredAt  time.Time
}

// decodeAudioChunk validates and decodes the base64 audio payload.
// Returns a non-empty detail string on client errors.
func (s *Server) decodeAudioChunk(payload map[string]any) (audioChunk, string) {
	b64 := firstStringValue(payload, "audio_b64", "chunk_b64", "audio_chunk_b64", "audio_chunk")
	if b64 == "" {
		return audioChunk{}, "Missing audio chunk base64 (audio_b64)"
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return audioChunk{}, "Invalid base64 audio payload"
	}
	if len(raw) == 0 {
		return audioChunk{}, "Empty decoded audio payload"
	}

	encoding := strings.ToLower(firstStringValue(payload, "audio_encoding", "encoding"))
	if encoding == "" {
		encoding = "pcm_s16le"
	}

	chunk := audioChunk{
		pcm:         raw,
		sampleRate:  s.cfg.SampleRateDefault,
		channels:    s.cfg.ChannelsDefault,
		sampleWidth: 2,
		chunkID:     firstStringValue(payload, "chunk_id", "sequence_id"),
		occurredAt:  s.clk.Now(),
	}
	if v, ok := numberValue(payload["sample_rate"]); ok && v > 0 {
		chunk.sampleRate = int(v)
	}
	if v, ok := numberValue(payload["channels"]); ok && v > 0 {
		chunk.channels = int(v)
	}
	if ts, ok := parseTimestamp(payload["timestamp"]); ok {
		chunk.occurredAt = ts
	} else if ts, ok := parseTimestamp(payload["occurred_at"]); ok {
		chunk.occurredAt = ts
	}

	switch encoding {
	case "wav", "wave", "audio/wav", "audio/x-wav":
		pcm, rate, channels, width, err := liveaudio.ParseWAV(raw)
		if err != nil {
			return audioChunk{}, "Unable to parse WAV audio chunk"
		}
		chunk.pcm = pcm
		chunk.sampleRate = rate
		chunk.channels = channels
		chunk.sampleWidth = width
	case "pcm_s16le", "pcm16", "s16le", "linear16", "l16":
	default:
		return audioChunk{}, "Unsupported audio_encoding: " + encoding
	}

	if len(chunk.pcm) == 0 {
		return audioChunk{}, "Audio payload has no PCM frames"
	}
	return chunk, ""
}

// buildAudioEvents synthesizes ingest envelopes from an audio-chunk
// payload: one per transcript segment, else one from the top-level text,
// else a bare audio_chunk event so call state stays warm.
func buildAudioEvents(payload map[string]any, callID string, summary liveaudio.Summary) []map[string]any {
	provider := firstStringValue(payload, "provider")
	if provider == "" {
		provider = "generic"
	}
	status := strings.ToLower(firstStringValue(payload, "status"))
	if status == "" {
		status = "active"
	}
	agentID := firstStringValue(payload, "agent_id")
	customerID := firstStringValue(payload, "customer_id")
	speaker := strings.ToLower(firstStringValue(payload, "speaker"))
	timestamp := payload["timestamp"]
	if timestamp == nil {
		timestamp = payload["occurred_at"]
	}

	baseMetadata := map[string]any{}
	if m, ok := payload["metadata"].(map[string]any); ok {
		for k, v := range m {
			baseMetadata[k] = v
		}
	}
	baseMetadata["audio"] = summary

	segments, _ := payload["transcript_segments"].([]any)
	if segments == nil {
		segments, _ = payload["segments"].([]any)
	}
	if len(segments) > maxTranscriptSegments {
		segments = segments[:maxTranscriptSegments]
	}

	var events []map[string]any
	for _, raw := range segments {
		segment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text := firstStringValue(segment, "text", "transcript")
		if text == "" {
			continue
		}
		metadata := make(map[string]any, len(baseMetadata))
		for k, v := range baseMetadata {
			metadata[k] = v
		}
		if m, ok := segment["metadata"].(map[string]any); ok {
			for k, v := range m {
				metadata[k] = v
			}
		}
		eventType := strings.ToLower(firstStringValue(segment, "event_type"))
		if eventType == "" {
			eventType = "transcript"
		}
		segmentSpeaker := strings.ToLower(firstStringValue(segment, "speaker"))
		if segmentSpeaker == "" {
			segmentSpeaker = speaker
		}
		segmentStatus := strings.ToLower(firstStringValue(segment, "status"))
		if segmentStatus == "" {
			segmentStatus = status
		}
		segmentTimestamp := segment["timestamp"]
		if segmentTimestamp == nil {
			segmentTimestamp = segment["occurred_at"]
		}
		if segmentTimestamp == nil {
			segmentTimestamp = timestamp
		}
		events = append(events, map[string]any{
			"provider":    provider,
			"call_id":     callID,
			"event_type":  eventType,
			"speaker":     segmentSpeaker,
			"text":        text,
			"sentiment":   segment["sentiment"],
			"confidence":  segment["confidence"],
			"status":      segmentStatus,
			"timestamp":   segmentTimestamp,
			"agent_id":    orDefault(firstStringValue(segment, "agent_id"), agentID),
			"customer_id": orDefault(firstStringValue(segment, "customer_id"), customerID),
			"metadata":    metadata,
		})
	}
	if len(events) > 0 {
		return events
	}

	eventType := "audio_chunk"
	text := firstStringValue(payload, "text", "transcript")
	if text != "" {
		eventType = "transcript"
	}
	return []map[string]any{{
		"provider":    provider,
		"call_id":     callID,
		"event_type":  eventType,
		"speaker":     speaker,
		"text":        text,
		"sentiment":   payload["sentiment"],
		"confidence":  payload["confidence"],
		"status":      status,
		"timestamp":   timestamp,
		"agent_id":    agentID,
		"customer_id": customerID,
		"metadata":    baseMetadata,
	}}
}

func extractCallID(payload map[string]any) string {
	return firstStringValue(payload, "call_id", "conversation_id", "session_id")
}

func firstStringValue(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func numberValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

func parseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		return time.Unix(int64(x), 0).UTC(), true
	}
	return time.Time{}, false
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func nonNilAlerts(alerts []callstore.Alert) []callstore.Alert {
	if alerts == nil {
		return []callstore.Alert{}
	}
	return alerts
}
