package connector

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/callpulse/callpulse/internal/engine"
)

// maxTextRecords caps how many normalized payloads one notification can
// fan out into.
const maxTextRecords = 6

// topicConversationRe pulls a conversation id out of a topic name when
// the event body carries none.
var topicConversationRe = regexp.MustCompile(`(?i)conversations\.([a-f0-9-]{16,})`)

// endedTokens mark a status string as terminal.
var endedTokens = []string{"disconnect", "terminated", "ended", "complete", "closed"}

// notification is one entry of a vendor websocket message.
type notification struct {
	Topic     string
	EventBody map[string]any
	Metadata  map[string]any
}

// flattenNotifications accepts the three envelope shapes the vendor
// sends: {notifications:[...]}, a bare list, or a single object.
func flattenNotifications(raw []byte) []notification {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}

	var items []map[string]any
	switch v := parsed.(type) {
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				items = append(items, m)
			}
		}
	case map[string]any:
		if list, ok := v["notifications"].([]any); ok {
			for _, item := range list {
				if m, ok := item.(map[string]any); ok {
					items = append(items, m)
				}
			}
		} else {
			items = append(items, v)
		}
	}

	out := make([]notification, 0, len(items))
	for _, item := range items {
		topic, _ := item["topicName"].(string)
		if topic == "" {
			topic, _ = item["topic"].(string)
		}
		n := notification{Topic: strings.TrimSpace(topic)}
		if body, ok := item["eventBody"].(map[string]any); ok {
			n.EventBody = body
		} else {
			n.EventBody = map[string]any{}
		}
		if meta, ok := item["metadata"].(map[string]any); ok {
			n.Metadata = meta
		}
		out = append(out, n)
	}
	return out
}

// textRecord is one mined piece of transcript text with its provenance.
type textRecord struct {
	text    string
	speaker string
	source  string
}

// mapNotification turns one vendor notification into zero or more
// normalized ingest payloads, one per text record. Heartbeat topics
// (channel.metadata) and notifications without a resolvable call id map
// to nothing.
func mapNotification(n notification, now time.Time) []map[string]any {
	if n.Topic == "" || strings.HasSuffix(n.Topic, "channel.metadata") {
		return nil
	}

	callID := extractConversationID(n.Topic, n.EventBody)
	if callID == "" {
		return nil
	}

	eventType := extractEventType(n.Topic, n.EventBody)
	status := extractCallStatus(eventType, n.EventBody)
	sentiment := extractSentiment(n.EventBody)
	confidence := extractConfidence(n.EventBody)
	occurredAt := extractOccurredAt(n, now)
	speaker := extractSpeaker(n.EventBody)

	records := extractTextRecords(n.EventBody)
	if len(records) == 0 {
		records = []textRecord{{speaker: speaker, source: "topic_only"}}
	}
	if len(records) > maxTextRecords {
		records = records[:maxTextRecords]
	}

	payloads := make([]map[string]any, 0, len(records))
	for _, record := range records {
		recordSpeaker := record.speaker
		if recordSpeaker == "" {
			recordSpeaker = speaker
		}
		metadata := map[string]any{
			"genesys_topic":      n.Topic,
			"genesys_source":     record.source,
			"genesys_event_keys": eventKeys(n.EventBody),
		}
		if deadAir, ok := extractDeadAir(n.EventBody); ok {
			metadata["metrics"] = map[string]any{"dead_air_seconds": deadAir}
		}

		payloads = append(payloads, map[string]any{
			"provider":    "genesys_cloud",
			"call_id":     callID,
			"event_type":  eventType,
			"speaker":     recordSpeaker,
			"text":        record.text,
			"sentiment":   sentiment,
			"confidence":  confidence,
			"status":      status,
			"timestamp":   occurredAt,
			"agent_id":    extractAgentID(n.EventBody),
			"customer_id": extractCustomerID(n.EventBody),
			"metadata":    metadata,
		})
	}
	return payloads
}

func extractConversationID(topic string, body map[string]any) string {
	candidates := []any{body["conversationId"], body["conversation_id"], body["id"]}
	if conversation, ok := body["conversation"].(map[string]any); ok {
		candidates = append(candidates, conversation["id"], conversation["conversationId"])
	}
	for _, c := range candidates {
		if s, ok := c.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	if m := topicConversationRe.FindStringSubmatch(topic); m != nil {
		return m[1]
	}
	return ""
}

func extractEventType(topic string, body map[string]any) string {
	for _, key := range []string{"eventType", "type"} {
		if s, ok := body[key].(string); ok {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				return s
			}
		}
	}
	parts := strings.Split(topic, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return strings.ToLower(parts[i])
		}
	}
	return "transcript"
}

func extractCallStatus(eventType string, body map[string]any) string {
	var raw string
	for _, key := range []string{"status", "state", "conversationState"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			raw = strings.ToLower(strings.TrimSpace(s))
			break
		}
	}
	if raw != "" {
		for _, token := range endedTokens {
			if strings.Contains(raw, token) {
				return "ended"
			}
		}
		return "active"
	}
	for _, token := range []string{"disconnect", "terminate", "end", "complete"} {
		if strings.Contains(eventType, token) {
			return "ended"
		}
	}
	return "active"
}

func extractOccurredAt(n notification, now time.Time) string {
	for _, key := range []string{"eventTime", "timestamp", "eventDate", "createdDate", "startTime"} {
		if ts, ok := parseTimeValue(n.EventBody[key]); ok {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	}
	if n.Metadata != nil {
		if ts, ok := parseTimeValue(n.Metadata["messageTime"]); ok {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	}
	return now.UTC().Format(time.RFC3339Nano)
}

func parseTimeValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.Unix(int64(x), 0).UTC(), true
	}
	return time.Time{}, false
}

func extractSpeaker(body map[string]any) string {
	for _, key := range []string{"speaker", "speakerType", "participantPurpose", "purpose", "role"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			return engine.NormalizeSpeaker(s)
		}
	}
	participants, _ := body["participants"].([]any)
	for _, p := range participants {
		participant, ok := p.(map[string]any)
		if !ok {
			continue
		}
		purpose, _ := participant["purpose"].(string)
		if purpose == "" {
			purpose, _ = participant["participantPurpose"].(string)
		}
		if purpose == "" {
			continue
		}
		state, _ := participant["state"].(string)
		switch strings.ToLower(state) {
		case "connected", "alerting":
			return engine.NormalizeSpeaker(purpose)
		}
	}
	return ""
}

func extractAgentID(body map[string]any) string {
	for _, key := range []string{"agentId", "agent_id", "userId"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return participantID(body, map[string]bool{"agent": true, "user": true}, "userId", "id")
}

func extractCustomerID(body map[string]any) string {
	for _, key := range []string{"customerId", "externalContactId", "customer_id"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return participantID(body, map[string]bool{"customer": true, "external": true}, "id", "externalContactId")
}

func participantID(body map[string]any, purposes map[string]bool, keys ...string) string {
	participants, _ := body["participants"].([]any)
	for _, p := range participants {
		participant, ok := p.(map[string]any)
		if !ok {
			continue
		}
		purpose, _ := participant["purpose"].(string)
		if !purposes[strings.ToLower(purpose)] {
			continue
		}
		for _, key := range keys {
			if s, ok := participant[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// extractTextRecords mines transcript text from the structured arrays and
// the top-level scalar keys, deduplicated case-insensitively.
func extractTextRecords(body map[string]any) []textRecord {
	var records []textRecord

	if transcripts, ok := body["transcripts"].([]any); ok {
		for _, entry := range transcripts {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			text := firstString(m, "text", "transcript", "utteranceText")
			if text == "" {
				continue
			}
			speaker := firstString(m, "speaker", "participantPurpose", "role")
			records = append(records, textRecord{text: text, speaker: engine.NormalizeSpeaker(speaker), source: "transcripts"})
		}
	}
	if utterances, ok := body["utterances"].([]any); ok {
		for _, entry := range utterances {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			text := firstString(m, "text", "utteranceText")
			if text == "" {
				continue
			}
			speaker := firstString(m, "speaker", "role")
			records = append(records, textRecord{text: text, speaker: engine.NormalizeSpeaker(speaker), source: "utterances"})
		}
	}
	for _, key := range []string{"text", "transcript", "utteranceText", "message"} {
		switch v := body[key].(type) {
		case string:
			if text := strings.TrimSpace(v); text != "" {
				records = append(records, textRecord{text: text, source: key})
			}
		case map[string]any:
			if text := firstString(v, "text", "body"); text != "" {
				records = append(records, textRecord{text: text, source: key})
			}
		}
	}

	seen := make(map[string]bool, len(records))
	deduped := records[:0]
	for _, record := range records {
		key := strings.ToLower(record.text)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, record)
	}
	return deduped
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func extractSentiment(body map[string]any) *float64 {
	for _, key := range []string{"sentiment", "sentimentScore", "overallSentiment", "sentiment_score"} {
		if v, ok := engine.ParseSentiment(body[key]); ok {
			return &v
		}
	}
	if sentiment, ok := body["sentiment"].(map[string]any); ok {
		for _, key := range []string{"score", "overall", "value"} {
			if v, ok := engine.ParseSentiment(sentiment[key]); ok {
				return &v
			}
		}
	}
	return nil
}

func extractConfidence(body map[string]any) *float64 {
	candidates := []any{body["confidence"], body["confidenceScore"], body["sentimentConfidence"]}
	if sentiment, ok := body["sentiment"].(map[string]any); ok {
		candidates = append(candidates, sentiment["confidence"], sentiment["confidenceScore"])
	}
	for _, c := range candidates {
		f, ok := toFloat(c)
		if !ok {
			continue
		}
		f = min(1, max(0, f))
		return &f
	}
	return nil
}

func extractDeadAir(body map[string]any) (float64, bool) {
	for _, key := range []string{"deadAirSeconds", "silenceSeconds", "dead_air_seconds"} {
		if f, ok := toFloat(body[key]); ok {
			return max(0, f), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// eventKeys lists the event body's top-level keys, sorted and capped, for
// debugging which shapes a tenant actually sends.
func eventKeys(body map[string]any) []string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 40 {
		keys = keys[:40]
	}
	return keys
}
