package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// pingInterval is the SSE keep-alive cadence.
const pingInterval = 15 * time.Second

// handleStream serves the supervisor event stream: a connected greeting,
// then every bus message as one SSE data line, with pings on idle. A
// call_id filter drops messages for other calls.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	callFilter := strings.TrimSpace(r.URL.Query().Get("call_id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	s.metrics.SubscriberDelta(r.Context(), 1)
	defer s.metrics.SubscriberDelta(r.Context(), -1)
	s.log.Info("stream subscriber connected", "call_filter", orDefault(callFilter, "all"))

	greeting, _ := json.Marshal(map[string]any{
		"type":      "connected",
		"call_id":   callFilter,
		"timestamp": s.clk.Now().UTC().Format(time.RFC3339Nano),
	})
	fmt.Fprintf(w, "data: %s\n\n", greeting)
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Info("stream subscriber disconnected")
			return
		case <-ping.C:
			payload, _ := json.Marshal(map[string]any{
				"type":      "ping",
				"timestamp": s.clk.Now().UTC().Format(time.RFC3339Nano),
			})
			fmt.Fprintf(w, "event: ping\ndata: %s\n\n", payload)
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				s.log.Info("stream subscriber evicted")
				return
			}
			if callFilter != "" && !matchesCallFilter(ev.Data, callFilter) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			flusher.Flush()
			ping.Reset(pingInterval)
		}
	}
}

func matchesCallFilter(data []byte, filter string) bool {
	var decoded struct {
		CallID string `json:"call_id"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return false
	}
	return strings.TrimSpace(decoded.CallID) == filter
}
