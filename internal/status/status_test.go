package status_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/status"
)

func TestWriter_UpdateRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "connector_status.json")
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	w := status.NewWriter(path, clk)

	if err := w.Update("running", map[string]any{
		"reconnect_count": 3,
		"topic_count":     12,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, err := status.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.State != "running" {
		t.Errorf("State = %q, want %q", doc.State, "running")
	}
	if doc.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", doc.PID, os.Getpid())
	}
	if got := doc.Fields["reconnect_count"]; got != float64(3) {
		t.Errorf("reconnect_count = %v, want 3", got)
	}
	if !doc.UpdatedAt.Equal(clk.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", doc.UpdatedAt, clk.Now())
	}
}

func TestWriter_NoTempFileLeftBehind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := status.NewWriter(filepath.Join(dir, "s.json"), nil)
	if err := w.Update("starting", nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestRead_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := status.Read(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, status.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetError_MovesToErrorState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "s.json")
	w := status.NewWriter(path, nil)
	if err := w.SetError(errors.New("channel create failed")); err != nil {
		t.Fatalf("SetError: %v", err)
	}

	doc, err := status.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.State != "error" {
		t.Errorf("State = %q, want %q", doc.State, "error")
	}
	if doc.LastError != "channel create failed" {
		t.Errorf("LastError = %q", doc.LastError)
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		state string
		age   time.Duration
		want  bool
	}{
		{"fresh running", "running", 5 * time.Second, true},
		{"fresh subscribed", "subscribed", time.Second, true},
		{"stale running", "running", 2 * time.Minute, false},
		{"fresh error", "error", time.Second, false},
		{"fresh stopped", "stopped", time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc := status.Document{State: tc.state, UpdatedAt: now.Add(-tc.age)}
			h := status.Evaluate(doc, status.ConnectorRunningStates, 60*time.Second, now)
			if h.Healthy != tc.want {
				t.Errorf("Healthy = %v, want %v (state=%q age=%v)", h.Healthy, tc.want, tc.state, tc.age)
			}
		})
	}
}
