package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/callpulse/callpulse/internal/bus"
	"github.com/callpulse/callpulse/internal/callstore"
	"github.com/callpulse/callpulse/internal/clock"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Fake, *bus.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC))
	b := bus.New(slog.New(slog.DiscardHandler))
	e := New(callstore.NewMemStore(), b, clk, slog.New(slog.DiscardHandler), nil, Config{
		NegativeSentimentThreshold: -0.45,
		HighRiskThreshold:          0.72,
		CooldownSeconds:            75,
		Keywords:                   []string{"manager", "supervisor", "lawyer"},
		WorkerConcurrency:          4,
	})
	return e, clk, b
}

func drain(t *testing.T, sub *bus.Subscriber) []bus.Event {
	t.Helper()
	var out []bus.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// ─── scoring scenarios ───

func TestIngest_HappyPath(t *testing.T) {
	t.Parallel()

	e, _, b := newTestEngine(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id": "c-1", "text": "hello", "sentiment": 0.5,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got, want := res.Call.SentimentScore, 0.14; math.Abs(got-want) > 1e-9 {
		t.Errorf("SentimentScore = %v, want %v", got, want)
	}
	if res.Call.RiskScore != 0 {
		t.Errorf("RiskScore = %v, want 0", res.Call.RiskScore)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(res.Alerts))
	}

	snap, err := e.GetSnapshot(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(snap.Events) != 1 {
		t.Errorf("snapshot events = %d, want 1", len(snap.Events))
	}

	evs := drain(t, sub)
	if len(evs) != 1 || evs[0].Type != "realtime_event" {
		t.Fatalf("bus events = %v, want one realtime_event", evs)
	}
}

func TestIngest_EscalationKeyword(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id": "c-2", "text": "get me a supervisor now",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(res.Alerts))
	}
	a := res.Alerts[0]
	if a.AlertType != AlertEscalationKeyword || a.Severity != SeverityHigh {
		t.Errorf("alert = %s/%s, want escalation_keyword/high", a.AlertType, a.Severity)
	}
	// 0.24 keyword term plus 0.16 for the high-severity alert.
	if res.Call.RiskScore < 0.24 {
		t.Errorf("RiskScore = %v, want >= 0.24", res.Call.RiskScore)
	}
}

func TestIngest_CooldownSuppressesRepeats(t *testing.T) {
	t.Parallel()

	e, clk, _ := newTestEngine(t)
	payload := map[string]any{"call_id": "c-3", "text": "lawyer", "sentiment": -0.9}

	first, err := e.Ingest(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)
	second, err := e.Ingest(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}

	types := map[string]int{}
	for _, a := range append(first.Alerts, second.Alerts...) {
		types[a.AlertType]++
	}
	if types[AlertEscalationKeyword] != 1 || types[AlertNegativeSentiment] != 1 {
		t.Errorf("alert counts = %v, want one escalation_keyword and one negative_sentiment", types)
	}
	if first.Call.RiskScore >= 0.72 && types[AlertHighRiskScore] != 1 {
		t.Errorf("high_risk_score count = %d, want 1 (risk %v)", types[AlertHighRiskScore], first.Call.RiskScore)
	}

	// Past the cooldown the same triggers fire again.
	clk.Advance(80 * time.Second)
	third, err := e.Ingest(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(third.Alerts) == 0 {
		t.Error("expected alerts after cooldown expiry")
	}
}

func TestIngest_RiskAlwaysClamped(t *testing.T) {
	t.Parallel()

	e, clk, _ := newTestEngine(t)
	for i := 0; i < 10; i++ {
		res, err := e.Ingest(context.Background(), map[string]any{
			"call_id": "c-4", "text": "lawyer supervisor manager", "sentiment": -1.0,
			"metadata": map[string]any{"dead_air_seconds": 60.0},
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Call.RiskScore < 0 || res.Call.RiskScore > 1 {
			t.Fatalf("RiskScore = %v out of [0,1]", res.Call.RiskScore)
		}
		clk.Advance(time.Second)
	}
}

func TestIngest_TerminalStatusDecaysRisk(t *testing.T) {
	t.Parallel()

	e, clk, _ := newTestEngine(t)
	ctx := context.Background()
	res, err := e.Ingest(ctx, map[string]any{"call_id": "c-5", "text": "lawyer", "sentiment": -0.9})
	if err != nil {
		t.Fatal(err)
	}
	before := res.Call.RiskScore

	clk.Advance(time.Second)
	res, err = e.Ingest(ctx, map[string]any{"call_id": "c-5", "status": "ended"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Call.RiskScore >= before {
		t.Errorf("RiskScore = %v, want decayed below %v", res.Call.RiskScore, before)
	}
	if res.Call.Status != "ended" {
		t.Errorf("Status = %q, want ended", res.Call.Status)
	}
}

func TestIngest_DeadAirAlert(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	res, err := e.Ingest(context.Background(), map[string]any{
		"call_id":  "c-6",
		"metadata": map[string]any{"silence_seconds": 40.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(res.Alerts))
	}
	if a := res.Alerts[0]; a.AlertType != AlertDeadAir || a.Severity != SeverityHigh {
		t.Errorf("alert = %s/%s, want dead_air/high", a.AlertType, a.Severity)
	}
}

func TestIngest_PublishesAlertsAfterEvent(t *testing.T) {
	t.Parallel()

	e, _, b := newTestEngine(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if _, err := e.Ingest(context.Background(), map[string]any{
		"call_id": "c-7", "text": "I want a lawyer", "sentiment": -0.9,
	}); err != nil {
		t.Fatal(err)
	}

	evs := drain(t, sub)
	if len(evs) < 2 {
		t.Fatalf("bus events = %d, want realtime_event plus alerts", len(evs))
	}
	if evs[0].Type != "realtime_event" {
		t.Errorf("first message = %q, want realtime_event", evs[0].Type)
	}
	for _, ev := range evs[1:] {
		if ev.Type != "supervisor_alert" {
			t.Errorf("followup message = %q, want supervisor_alert", ev.Type)
		}
		var msg struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(ev.Data, &msg); err != nil || msg.CallID != "c-7" {
			t.Errorf("alert payload call_id = %q err=%v", msg.CallID, err)
		}
	}
}

func TestIngest_MetadataMergedNotReplaced(t *testing.T) {
	t.Parallel()

	e, clk, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Ingest(ctx, map[string]any{
		"call_id": "c-8", "metadata": map[string]any{"queue": "billing"},
	}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	res, err := e.Ingest(ctx, map[string]any{
		"call_id": "c-8", "metadata": map[string]any{"language": "en"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Call.Metadata["queue"] != "billing" || res.Call.Metadata["language"] != "en" {
		t.Errorf("Metadata = %v, want merged keys", res.Call.Metadata)
	}
}

func TestIngest_LastTextTruncated(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	long := make([]rune, 3000)
	for i := range long {
		long[i] = 'x'
	}
	res, err := e.Ingest(context.Background(), map[string]any{"call_id": "c-9", "text": string(long)})
	if err != nil {
		t.Fatal(err)
	}
	if len([]rune(res.Call.LastText)) != 2400 {
		t.Errorf("LastText length = %d, want 2400", len([]rune(res.Call.LastText)))
	}
}

// ─── ack ───

func TestAckAlert_PublishesOnce(t *testing.T) {
	t.Parallel()

	e, _, b := newTestEngine(t)
	ctx := context.Background()
	res, err := e.Ingest(ctx, map[string]any{"call_id": "c-10", "text": "supervisor"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(res.Alerts))
	}

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	a, err := e.AckAlert(ctx, res.Alerts[0].ID)
	if err != nil {
		t.Fatalf("AckAlert: %v", err)
	}
	if !a.Acknowledged {
		t.Error("alert not acknowledged")
	}
	if _, err := e.AckAlert(ctx, res.Alerts[0].ID); err != nil {
		t.Fatalf("second AckAlert: %v", err)
	}

	evs := drain(t, sub)
	if len(evs) != 1 || evs[0].Type != "supervisor_alert_ack" {
		t.Errorf("bus events = %v, want exactly one supervisor_alert_ack", evs)
	}
}

// ─── risk formula ───

func TestUpdateRisk_Table(t *testing.T) {
	t.Parallel()

	neg := -0.9
	cases := []struct {
		name   string
		prev   float64
		n      Normalized
		kwHit  bool
		raised []pendingAlert
		status string
		want   float64
	}{
		{"decay only", 0.5, Normalized{}, false, nil, "active", 0.44},
		{"negative sentiment", 0, Normalized{Sentiment: &neg}, false, nil, "active", 0.38},
		{"keyword", 0, Normalized{}, true, nil, "active", 0.24},
		{"dead air", 0, Normalized{Metadata: map[string]any{"dead_air_seconds": 60.0}}, false, nil, "active", 0.25},
		{"high alert bonus", 0, Normalized{}, false, []pendingAlert{{Severity: SeverityHigh}}, "active", 0.16},
		{"terminal decay", 0.5, Normalized{}, false, nil, "ended", 0.26},
		{"clamped", 1.0, Normalized{Sentiment: &neg}, true, []pendingAlert{{Severity: SeverityCritical}}, "active", 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := updateRisk(tc.prev, tc.n, tc.kwHit, tc.raised, tc.status)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("updateRisk = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSmoothSentiment(t *testing.T) {
	t.Parallel()

	if got := smoothSentiment(0, 0.5); got != 0.14 {
		t.Errorf("smoothSentiment(0, 0.5) = %v, want 0.14", got)
	}
	if got := smoothSentiment(-0.5, 0.5); got != -0.22 {
		t.Errorf("smoothSentiment(-0.5, 0.5) = %v, want -0.22", got)
	}
}
