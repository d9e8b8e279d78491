package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/callpulse/callpulse/internal/bus"
	"github.com/callpulse/callpulse/internal/callstore"
	"github.com/callpulse/callpulse/internal/config"
	"github.com/callpulse/callpulse/internal/engine"
	"github.com/callpulse/callpulse/internal/gateway"
	"github.com/callpulse/callpulse/internal/liveaudio"
	"github.com/callpulse/callpulse/internal/sink"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.LiveAudio.Dir = filepath.Join(dir, "live")
	cfg.Status.Dir = filepath.Join(dir, "status")
	cfg.AudioHook.Enabled = false
	return cfg
}

// ─── component selection ───

func TestNew_GatewayOnly(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), testConfig(t), discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.gateway == nil {
		t.Error("gateway not built")
	}
	if a.audiohook != nil {
		t.Error("audiohook built while disabled")
	}
	if a.connector != nil {
		t.Error("connector built while disabled")
	}
	if _, ok := a.store.(*callstore.MemStore); !ok {
		t.Errorf("store = %T, want memory store without a DSN", a.store)
	}
}

func TestNew_EnabledComponents(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.AudioHook.Enabled = true
	cfg.Connector.Enabled = true
	cfg.Connector.ClientID = "id"
	cfg.Connector.ClientSecret = "secret"
	cfg.Connector.LoginBaseURL = "https://login.example"
	cfg.Connector.APIBaseURL = "https://api.example"

	a, err := New(context.Background(), cfg, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.audiohook == nil {
		t.Error("audiohook not built")
	}
	if a.connector == nil {
		t.Error("connector not built")
	}
}

// ─── sink selection ───

func TestSinkSelection(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.AudioHook.Enabled = true

	build := func(audioURL, eventURL string, dryRun bool) *App {
		c := cfg
		c.AudioHook.AudioIngestURL = audioURL
		c.AudioHook.EventIngestURL = eventURL
		c.AudioHook.DryRun = dryRun
		a, err := New(context.Background(), c, discard())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return a
	}

	client := sink.New(0, 1, 0, true, discard())

	a := build("", "", false)
	if _, ok := a.audioSink(client, a.gateway).(*audioForwarder); !ok {
		t.Error("empty audio url should route in-process")
	}
	if _, ok := a.eventSink(client, a.gateway, "e", "", false).(*eventForwarder); !ok {
		t.Error("empty event url should route in-process")
	}

	a = build("http://ingest.example/audio", "http://ingest.example/events", false)
	if _, ok := a.audioSink(client, a.gateway).(*sink.Poster); !ok {
		t.Error("audio url should route over HTTP")
	}
	if _, ok := a.eventSink(client, a.gateway, "e", "http://ingest.example/events", false).(*sink.Poster); !ok {
		t.Error("event url should route over HTTP")
	}

	// Dry run forces the poster even in-process so payloads are logged
	// and dropped rather than ingested.
	a = build("", "", true)
	if _, ok := a.audioSink(client, a.gateway).(*sink.Poster); !ok {
		t.Error("dry run should route through the poster")
	}
}

// ─── in-process forwarders ───

func inProcessGateway(t *testing.T) (*gateway.Server, *engine.Engine) {
	t.Helper()
	log := discard()
	b := bus.New(log)
	t.Cleanup(b.Close)
	audio := liveaudio.New(filepath.Join(t.TempDir(), "live"), 300, 1<<20, nil, log)
	eng := engine.New(callstore.NewMemStore(), b, nil, log, nil, engine.Config{
		NegativeSentimentThreshold: -0.45,
		HighRiskThreshold:          0.72,
		CooldownSeconds:            75,
		WorkerConcurrency:          1,
	})
	gw := gateway.NewServer(gateway.Config{Port: 8080}, eng, audio, b, nil, log, nil, nil)
	return gw, eng
}

func TestEventForwarder_IngestsPayload(t *testing.T) {
	t.Parallel()
	gw, eng := inProcessGateway(t)
	f := &eventForwarder{gw: gw}

	err := f.Post(context.Background(), map[string]any{
		"call_id":    "c-1",
		"event_type": "transcript",
		"text":       "hello there",
		"speaker":    "agent",
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	snapshot, err := eng.GetSnapshot(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(snapshot.Events) != 1 {
		t.Errorf("events = %d, want 1", len(snapshot.Events))
	}
}

func TestEventForwarder_StructPayload(t *testing.T) {
	t.Parallel()
	gw, eng := inProcessGateway(t)
	f := &eventForwarder{gw: gw}

	payload := struct {
		CallID    string `json:"call_id"`
		EventType string `json:"event_type"`
		Text      string `json:"text"`
	}{CallID: "c-2", EventType: "transcript", Text: "typed payload"}

	if err := f.Post(context.Background(), payload); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := eng.GetSnapshot(context.Background(), "c-2"); err != nil {
		t.Errorf("GetSnapshot: %v", err)
	}
}

func TestEventForwarder_VendorNotificationPayload(t *testing.T) {
	t.Parallel()
	gw, eng := inProcessGateway(t)
	f := &eventForwarder{gw: gw}

	// The connector emits pointer-valued sentiment/confidence and a
	// "timestamp" key; the in-process route passes the map through without
	// a JSON round-trip, so the engine must take them as-is.
	sentiment := -0.9
	confidence := 0.95
	err := f.Post(context.Background(), map[string]any{
		"provider":   "genesys_cloud",
		"call_id":    "c-vendor",
		"event_type": "transcription",
		"speaker":    "customer",
		"text":       "this is unacceptable",
		"sentiment":  &sentiment,
		"confidence": &confidence,
		"timestamp":  "2026-08-24T09:30:00Z",
		"metrics":    map[string]any{"dead_air_seconds": 42.0},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	snapshot, err := eng.GetSnapshot(context.Background(), "c-vendor")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snapshot.Call.SentimentScore >= 0 {
		t.Errorf("SentimentScore = %v, want negative", snapshot.Call.SentimentScore)
	}
	if len(snapshot.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(snapshot.Events))
	}
	ev := snapshot.Events[0]
	if ev.Sentiment == nil || *ev.Sentiment != -0.9 {
		t.Errorf("event sentiment = %v, want -0.9", ev.Sentiment)
	}
	if want := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC); !ev.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want payload timestamp %v", ev.OccurredAt, want)
	}
	if _, ok := ev.Metadata["metrics"]; !ok {
		t.Error("top-level metrics block missing from event metadata")
	}
}

func TestAudioForwarder_MissingCallID(t *testing.T) {
	t.Parallel()
	gw, _ := inProcessGateway(t)
	f := &audioForwarder{gw: gw}

	if err := f.Post(context.Background(), map[string]any{"audio_b64": "AAAA"}); err == nil {
		t.Error("expected error for payload without call_id")
	}
}
