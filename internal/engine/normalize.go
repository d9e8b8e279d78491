// Package engine is the realtime ingest and scoring core: it normalizes
// semi-structured event envelopes, maintains per-call scoring state,
// raises deduplicated supervisor alerts, and publishes committed updates
// on the event bus.
package engine

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMissingCallID marks payloads that cannot be attributed to a call.
var ErrMissingCallID = errors.New("engine: payload has no call id")

// Normalized is the canonical event produced from a raw ingest envelope.
type Normalized struct {
	CallID     string
	Provider   string
	EventType  string
	Speaker    string
	Text       string
	Sentiment  *float64
	Confidence *float64
	Status     string
	OccurredAt time.Time
	Metadata   map[string]any
}

// Normalize maps a tolerant, semi-structured payload onto [Normalized].
// Vendor envelopes vary wildly; unknown keys are ignored and the metadata
// mapping is carried through untouched.
func Normalize(raw map[string]any, now time.Time) (Normalized, error) {
	n := Normalized{
		Provider:  "generic",
		EventType: "transcript",
	}

	n.CallID = firstString(raw, "call_id", "conversation_id", "session_id")
	if n.CallID == "" {
		return Normalized{}, ErrMissingCallID
	}
	if p := firstString(raw, "provider"); p != "" {
		n.Provider = p
	}
	if et := firstString(raw, "event_type"); et != "" {
		n.EventType = strings.ToLower(et)
	}
	n.Speaker = NormalizeSpeaker(firstString(raw, "speaker"))
	n.Text = firstString(raw, "text", "transcript")
	n.Status = strings.ToLower(firstString(raw, "status"))

	if v, ok := raw["sentiment"]; ok {
		if f, ok := ParseSentiment(v); ok {
			n.Sentiment = &f
		}
	}
	if v, ok := raw["confidence"]; ok {
		if f, ok := parseFloat(v); ok {
			f = clamp(f, 0, 1)
			n.Confidence = &f
		}
	}

	ts := raw["timestamp"]
	if ts == nil {
		ts = raw["occurred_at"]
	}
	n.OccurredAt = parseTimestamp(ts, now)

	if meta, ok := raw["metadata"].(map[string]any); ok {
		n.Metadata = meta
	}
	// A top-level metrics block folds under metadata so dead-air lookup
	// sees it; an explicit metadata.metrics wins. Copy before adding so
	// the caller's map stays untouched.
	if metrics, ok := raw["metrics"]; ok {
		if _, exists := n.Metadata["metrics"]; !exists {
			merged := make(map[string]any, len(n.Metadata)+1)
			for k, v := range n.Metadata {
				merged[k] = v
			}
			merged["metrics"] = metrics
			n.Metadata = merged
		}
	}
	return n, nil
}

// NormalizeSpeaker folds vendor speaker labels onto agent/customer.
// Unrecognized labels pass through lowercased.
func NormalizeSpeaker(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "agent", "user", "acd":
		return "agent"
	case "customer", "external", "client":
		return "customer"
	}
	return s
}

// ParseSentiment converts a scalar sentiment value to a float in [-1,1].
// The word labels negative/neutral/positive map to fixed scores.
func ParseSentiment(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "negative":
			return -0.7, true
		case "neutral":
			return 0, true
		case "positive":
			return 0.7, true
		}
	}
	f, ok := parseFloat(v)
	if !ok {
		return 0, false
	}
	return clamp(f, -1, 1), true
}

func parseFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case *float64:
		if x == nil {
			return 0, false
		}
		return *x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// parseTimestamp accepts RFC 3339 strings and epoch seconds, falling back
// to now. The result is always UTC.
func parseTimestamp(v any, now time.Time) time.Time {
	switch x := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC()
			}
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return epochToTime(f)
		}
	case float64:
		return epochToTime(x)
	case int:
		return epochToTime(float64(x))
	case int64:
		return epochToTime(float64(x))
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return epochToTime(f)
		}
	}
	return now.UTC()
}

func epochToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, ok := stringValue(v); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

func clamp(f, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, f))
}

// DeadAirSeconds pulls a dead-air measurement from event metadata,
// checking the flat keys and the nested metrics block.
func DeadAirSeconds(meta map[string]any) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	for _, k := range []string{"dead_air_seconds", "silence_seconds"} {
		if v, ok := meta[k]; ok {
			if f, ok := parseFloat(v); ok {
				return f, true
			}
		}
	}
	if metrics, ok := meta["metrics"].(map[string]any); ok {
		for _, k := range []string{"dead_air_seconds", "silence_seconds"} {
			if v, ok := metrics[k]; ok {
				if f, ok := parseFloat(v); ok {
					return f, true
				}
			}
		}
	}
	return 0, false
}
