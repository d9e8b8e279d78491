package audiohook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/callpulse/callpulse/pkg/audio"
)

// mediaDetails is the negotiated or refined audio format of a connection.
type mediaDetails struct {
	Format        string
	SampleRate    int
	Channels      int
	ChannelLabels []string
}

// extractMedia pulls format details from a media block. Channels may be an
// integer count or a list of labels (strings or {name}/{channel} objects).
func extractMedia(media map[string]any) mediaDetails {
	var d mediaDetails
	if media == nil {
		return d
	}
	if f, ok := media["format"].(string); ok {
		d.Format = strings.ToUpper(strings.TrimSpace(f))
	}
	if r, ok := asInt(media["rate"]); ok {
		d.SampleRate = r
	}
	switch ch := media["channels"].(type) {
	case []any:
		for _, item := range ch {
			var label string
			switch v := item.(type) {
			case string:
				label = strings.TrimSpace(v)
			case map[string]any:
				if s, ok := v["name"].(string); ok {
					label = strings.TrimSpace(s)
				} else if s, ok := v["channel"].(string); ok {
					label = strings.TrimSpace(s)
				}
			}
			if label != "" {
				d.ChannelLabels = append(d.ChannelLabels, label)
			}
		}
		d.Channels = len(d.ChannelLabels)
		if d.Channels == 0 {
			d.Channels = len(ch)
		}
	case float64:
		d.Channels = int(ch)
	case int:
		d.Channels = ch
	}
	return d
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case int:
		return x, true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n), true
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(x), "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// defaultChannelLabels mirrors the vendor's conventions for unlabeled
// streams.
func defaultChannelLabels(channels int) []string {
	switch {
	case channels <= 1:
		return []string{"mono"}
	case channels == 2:
		return []string{"external", "internal"}
	}
	labels := make([]string, channels)
	for i := range labels {
		labels[i] = fmt.Sprintf("ch%d", i+1)
	}
	return labels
}

// parseAudioHeaders splits an audio payload into its header block and raw
// media bytes. Headers are "key: value" lines terminated by a blank line;
// values that parse as JSON are kept structured. Without a delimiter the
// whole payload is media.
func parseAudioHeaders(payload []byte) (map[string]any, []byte) {
	idx := bytes.Index(payload, []byte("\r\n\r\n"))
	delim := 4
	if idx < 0 {
		idx = bytes.Index(payload, []byte("\n\n"))
		delim = 2
	}
	if idx < 0 {
		return nil, payload
	}

	headers := make(map[string]any)
	for _, line := range bytes.Split(payload[:idx], []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		key, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(string(key)))
		v := strings.TrimSpace(string(value))
		if k == "" {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			headers[k] = parsed
		} else {
			headers[k] = v
		}
	}
	return headers, payload[idx+delim:]
}

// extractCallID resolves the call id from an open command, its parameters,
// and finally the websocket URL query, synthesizing one as a last resort.
func extractCallID(command, parameters map[string]any, rawQuery string, fallback string) string {
	candidates := []any{
		parameters["conversationId"],
		parameters["conversation_id"],
		parameters["callId"],
		parameters["call_id"],
		parameters["id"],
		command["conversationId"],
		command["id"],
	}
	if q, err := url.ParseQuery(rawQuery); err == nil {
		for _, key := range []string{"conversationId", "conversation_id", "callId", "call_id", "id"} {
			if v := q.Get(key); v != "" {
				candidates = append(candidates, v)
			}
		}
	}
	for _, c := range candidates {
		if s, ok := c.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return fallback
}

// eventTextKeys are checked in order on event parameters and nested event
// entries.
var eventTextKeys = []string{"text", "transcript", "utteranceText", "message"}

// extractEventText mines a transcript line out of an event command's
// parameters, including the nested events[] list.
func extractEventText(parameters map[string]any) string {
	if s := firstTextKey(parameters); s != "" {
		return s
	}
	events, _ := parameters["events"].([]any)
	for _, item := range events {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if s := firstTextKey(entry); s != "" {
			return s
		}
		if nested, ok := entry["parameters"].(map[string]any); ok {
			if s := firstTextKey(nested); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstTextKey(m map[string]any) string {
	for _, k := range eventTextKeys {
		if v, ok := m[k].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// decodePCM converts raw media bytes in the given format to PCM S16LE.
// Unknown formats return false; the caller logs and drops the packet.
func decodePCM(raw []byte, format string) ([]byte, bool) {
	switch strings.ToUpper(strings.TrimSpace(format)) {
	case "PCMU", "MULAW", "MU-LAW", "ULAW":
		return audio.ExpandULaw(raw), true
	case "PCMA", "A-LAW", "ALAW":
		return audio.ExpandALaw(raw), true
	case "L16LE", "PCM_S16LE", "S16LE":
		return audio.TrimOddByte(raw), true
	case "L16", "LINEAR16", "PCM_S16BE", "S16BE":
		return audio.ByteSwap16(raw), true
	}
	return nil, false
}
