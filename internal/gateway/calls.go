package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/callpulse/callpulse/internal/callstore"
	"github.com/callpulse/callpulse/internal/engine"
	"github.com/callpulse/callpulse/internal/liveaudio"
)

const (
	alertLimitDefault = 50
	alertLimitMax     = 200
)

type snapshotResponse struct {
	engine.Snapshot
	LiveAudio liveaudio.Summary `json:"live_audio"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	snapshot, err := s.engine.GetSnapshot(r.Context(), callID)
	switch {
	case errors.Is(err, callstore.ErrCallNotFound):
		// Unknown calls answer an idle skeleton rather than a 404 so
		// dashboards can poll before the first event lands.
		snapshot = engine.Snapshot{
			Call:   callstore.Call{ID: callID, Provider: "generic", Status: "idle"},
			Events: []callstore.Event{},
			Alerts: []callstore.Alert{},
		}
	case err != nil:
		s.log.Error("snapshot failed", "call_id", callID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to load snapshot")
		return
	}
	if snapshot.Events == nil {
		snapshot.Events = []callstore.Event{}
	}
	if snapshot.Alerts == nil {
		snapshot.Alerts = []callstore.Alert{}
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		Snapshot:  snapshot,
		LiveAudio: s.audio.State(callID),
	})
}

func (s *Server) handleAudioWAV(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	var maxSeconds float64
	if raw := r.URL.Query().Get("max_seconds"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			maxSeconds = v
		}
	}

	if wav, ok := s.audio.WAV(callID, maxSeconds); ok {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", liveaudio.SanitizeCallID(callID)+"_live.wav"))
		w.Header().Set("X-Live-Audio", "1")
		w.Write(wav)
		return
	}

	if parseBool(r.URL.Query().Get("fallback")) {
		if path := s.findUpload(callID); path != "" {
			w.Header().Set("X-Live-Audio", "0")
			http.ServeFile(w, r, path)
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "Live audio not found")
}

func (s *Server) handleAudioMeta(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	state := s.audio.State(callID)
	fallbackAvailable := s.findUpload(callID) != ""

	preferred := "fallback"
	if state.Available {
		preferred = "live"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":                  callID,
		"live_audio":               state,
		"fallback_audio_available": fallbackAvailable,
		"preferred_source":         preferred,
	})
}

// findUpload locates a historical audio file for the call under
// uploads_dir, matching the sanitized call id with any extension.
func (s *Server) findUpload(callID string) string {
	if s.cfg.UploadsDir == "" {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(s.cfg.UploadsDir, liveaudio.SanitizeCallID(callID)+".*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			return m
		}
	}
	return ""
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callID := strings.TrimSpace(q.Get("call_id"))
	openOnly := !strings.EqualFold(strings.TrimSpace(q.Get("open_only")), "false")

	limit := alertLimitDefault
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	limit = min(alertLimitMax, max(1, limit))

	alerts, err := s.engine.Alerts(r.Context(), callID, openOnly, limit)
	if err != nil {
		s.log.Error("alert listing failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNilAlerts(alerts)})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid alert id")
		return
	}
	alert, err := s.engine.AckAlert(r.Context(), id)
	switch {
	case errors.Is(err, callstore.ErrAlertNotFound):
		writeDetail(w, http.StatusNotFound, "Alert not found")
		return
	case err != nil:
		s.log.Error("alert ack failed", "alert_id", id, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to acknowledge alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert": alert})
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
