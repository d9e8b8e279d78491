package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/callpulse/callpulse/internal/status"
)

// Running-state sets per component. The audiohook set is narrower: a
// connector bouncing between connect states is still making progress,
// a listener should simply be up.
var (
	connectorRunning = status.ConnectorRunningStates
	audiohookRunning = status.AudioHookRunningStates
)

// staleAfterFloorSeconds is the lowest freshness bound a caller may
// request via the stale_after query parameter.
const staleAfterFloorSeconds = 10

func (s *Server) handleHealth(path string, runningStates []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		staleAfter := s.cfg.StaleAfterSeconds
		if raw := r.URL.Query().Get("stale_after"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				staleAfter = v
			}
		}
		staleAfter = max(staleAfterFloorSeconds, staleAfter)

		doc, err := status.Read(path)
		switch {
		case errors.Is(err, status.ErrNotFound):
			writeJSON(w, http.StatusOK, map[string]any{
				"healthy":             false,
				"state":               "not_running",
				"reason":              "status_file_missing",
				"status_path":         path,
				"stale_after_seconds": staleAfter,
			})
			return
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"healthy":             false,
				"state":               "unknown",
				"reason":              "status_file_unreadable",
				"status_path":         path,
				"stale_after_seconds": staleAfter,
			})
			return
		}

		h := status.Evaluate(doc, runningStates, time.Duration(staleAfter)*time.Second, s.clk.Now())
		writeJSON(w, http.StatusOK, map[string]any{
			"healthy":             h.Healthy,
			"state":               h.State,
			"age_seconds":         math.Round(h.AgeSeconds*100) / 100,
			"stale_after_seconds": staleAfter,
			"status_path":         path,
			"status":              doc,
		})
	}
}
