package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/callpulse/callpulse/internal/bus"
	"github.com/callpulse/callpulse/internal/callstore"
	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/observe"
)

// Snapshot window sizes served to dashboards.
const (
	snapshotEventLimit = 40
	snapshotAlertLimit = 30
)

// Config carries the scoring and alerting knobs.
type Config struct {
	NegativeSentimentThreshold float64
	HighRiskThreshold          float64
	CooldownSeconds            int
	Keywords                   []string
	WorkerConcurrency          int
}

// Result is what one successful ingest produced.
type Result struct {
	Call   callstore.Call
	Event  callstore.Event
	Alerts []callstore.Alert
}

// Snapshot is the per-call view served by the gateway: current state plus
// the recent event and alert windows.
type Snapshot struct {
	Call   callstore.Call    `json:"call"`
	Events []callstore.Event `json:"events"`
	Alerts []callstore.Alert `json:"alerts"`
}

// Engine normalizes, scores, and persists realtime events, then publishes
// the committed state on the bus. Writes for one call id are serialized
// behind a per-call mutex; a weighted semaphore bounds overall ingest
// concurrency.
type Engine struct {
	store   callstore.Store
	bus     *bus.Bus
	clk     clock.Clock
	log     *slog.Logger
	metrics *observe.Metrics

	negativeThreshold float64
	highRiskThreshold float64
	cooldown          time.Duration
	keywords          []string
	sem               *semaphore.Weighted

	mu        sync.Mutex
	callLocks map[string]*sync.Mutex
}

// New creates an Engine. metrics may be nil.
func New(store callstore.Store, b *bus.Bus, clk clock.Clock, log *slog.Logger, metrics *observe.Metrics, cfg Config) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.WorkerConcurrency
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:             store,
		bus:               b,
		clk:               clk,
		log:               log,
		metrics:           metrics,
		negativeThreshold: cfg.NegativeSentimentThreshold,
		highRiskThreshold: cfg.HighRiskThreshold,
		cooldown:          time.Duration(cfg.CooldownSeconds) * time.Second,
		keywords:          cfg.Keywords,
		sem:               semaphore.NewWeighted(int64(workers)),
		callLocks:         make(map[string]*sync.Mutex),
	}
}

// Ingest runs one raw envelope through normalize, upsert, scoring, and
// alerting, then publishes the committed update.
func (e *Engine) Ingest(ctx context.Context, raw map[string]any) (Result, error) {
	start := e.clk.Now()

	n, err := Normalize(raw, start)
	if err != nil {
		return Result{}, err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("engine: acquire worker: %w", err)
	}
	defer e.sem.Release(1)

	lock := e.lockFor(n.CallID)
	lock.Lock()
	defer lock.Unlock()

	now := e.clk.Now()

	call, err := e.store.GetCall(ctx, n.CallID)
	switch {
	case errors.Is(err, callstore.ErrCallNotFound):
		call = callstore.Call{
			ID:        n.CallID,
			Provider:  n.Provider,
			Status:    "active",
			CreatedAt: now,
		}
	case err != nil:
		return Result{}, err
	}
	e.applyUpdate(&call, n, raw)

	// Alert rules 1-3 run against the event; cooldown filters repeats of
	// the same (call, type) pair.
	triggered := e.evaluateTriggers(n)
	raised := make([]pendingAlert, 0, len(triggered)+1)
	for _, p := range triggered {
		ok, err := e.cooldownClear(ctx, n.CallID, p.Type, now)
		if err != nil {
			return Result{}, err
		}
		if ok {
			raised = append(raised, p)
		}
	}

	keywordHit := len(matchKeywords(n.Text, e.keywords)) > 0
	call.RiskScore = updateRisk(call.RiskScore, n, keywordHit, raised, call.Status)

	// Rule 4 runs on the updated score and does not feed back into it.
	if call.RiskScore >= e.highRiskThreshold {
		ok, err := e.cooldownClear(ctx, n.CallID, AlertHighRiskScore, now)
		if err != nil {
			return Result{}, err
		}
		if ok {
			raised = append(raised, pendingAlert{
				Type:     AlertHighRiskScore,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("High risk score %.2f", call.RiskScore),
				Metadata: map[string]any{"risk_score": call.RiskScore},
			})
		}
	}

	call.UpdatedAt = now
	if err := e.store.PutCall(ctx, call); err != nil {
		return Result{}, err
	}
	event, err := e.store.AppendEvent(ctx, callstore.Event{
		CallID:     n.CallID,
		OccurredAt: n.OccurredAt,
		EventType:  n.EventType,
		Speaker:    n.Speaker,
		Text:       n.Text,
		Sentiment:  n.Sentiment,
		Confidence: n.Confidence,
		Metadata:   n.Metadata,
	})
	if err != nil {
		return Result{}, err
	}

	alerts := make([]callstore.Alert, 0, len(raised))
	for _, p := range raised {
		a, err := e.store.InsertAlert(ctx, callstore.Alert{
			CallID:    n.CallID,
			AlertType: p.Type,
			Severity:  p.Severity,
			Message:   p.Message,
			Metadata:  p.Metadata,
			CreatedAt: now,
		})
		if err != nil {
			// The triggering event is already committed; alert loss is
			// logged, not rolled back.
			e.log.Error("failed to persist alert", "call_id", n.CallID, "alert_type", p.Type, "error", err)
			continue
		}
		alerts = append(alerts, a)
		e.metrics.AlertRaised(ctx, a.AlertType, a.Severity)
	}

	// Publications happen after the state is committed, still under the
	// per-call lock so subscribers observe commit order.
	e.bus.Publish("realtime_event", eventMessage{
		Type:   "realtime_event",
		CallID: call.ID,
		Event:  event,
		Call:   call,
	})
	for _, a := range alerts {
		e.bus.Publish("supervisor_alert", alertMessage{
			Type:   "supervisor_alert",
			CallID: call.ID,
			Alert:  a,
		})
	}

	e.metrics.EventIngested(ctx, call.Provider)
	e.metrics.IngestTook(ctx, e.clk.Since(start))

	return Result{Call: call, Event: event, Alerts: alerts}, nil
}

// applyUpdate folds the normalized event into the mutable call state.
func (e *Engine) applyUpdate(call *callstore.Call, n Normalized, raw map[string]any) {
	if n.Provider != "" {
		call.Provider = n.Provider
	}
	if n.Status != "" {
		call.Status = n.Status
	}
	if n.Speaker != "" {
		call.LastSpeaker = n.Speaker
	}
	if id := firstString(raw, "agent_id"); id != "" {
		call.AgentID = id
	}
	if id := firstString(raw, "customer_id"); id != "" {
		call.CustomerID = id
	}
	if n.Text != "" {
		call.LastText = truncate(n.Text, 2400)
	}
	if n.Sentiment != nil {
		call.SentimentScore = smoothSentiment(call.SentimentScore, *n.Sentiment)
	}
	if len(n.Metadata) > 0 {
		if call.Metadata == nil {
			call.Metadata = make(map[string]any, len(n.Metadata))
		}
		for k, v := range n.Metadata {
			call.Metadata[k] = v
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// cooldownClear reports whether an alert of the given type may be raised
// now, based on the creation time of the newest previous alert.
func (e *Engine) cooldownClear(ctx context.Context, callID, alertType string, now time.Time) (bool, error) {
	last, ok, err := e.store.LastAlertTime(ctx, callID, alertType)
	if err != nil {
		return false, err
	}
	return !ok || now.Sub(last) >= e.cooldown, nil
}

func (e *Engine) lockFor(callID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.callLocks[callID]
	if !ok {
		l = &sync.Mutex{}
		e.callLocks[callID] = l
	}
	return l
}

// GetSnapshot returns the call with its recent event and alert windows.
func (e *Engine) GetSnapshot(ctx context.Context, callID string) (Snapshot, error) {
	call, err := e.store.GetCall(ctx, callID)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := e.store.RecentEvents(ctx, callID, snapshotEventLimit)
	if err != nil {
		return Snapshot{}, err
	}
	alerts, err := e.store.RecentAlerts(ctx, callID, snapshotAlertLimit)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Call: call, Events: events, Alerts: alerts}, nil
}

// Alerts lists alerts newest first, optionally for one call and filtered
// to unacknowledged ones.
func (e *Engine) Alerts(ctx context.Context, callID string, openOnly bool, limit int) ([]callstore.Alert, error) {
	return e.store.ListAlerts(ctx, callID, openOnly, limit)
}

// AckAlert acknowledges an alert and, when this call changed it, publishes
// a supervisor_alert_ack message. Repeated acks are idempotent and publish
// nothing.
func (e *Engine) AckAlert(ctx context.Context, id int64) (callstore.Alert, error) {
	a, changed, err := e.store.AckAlert(ctx, id, e.clk.Now())
	if err != nil {
		return callstore.Alert{}, err
	}
	if changed {
		e.bus.Publish("supervisor_alert_ack", alertMessage{
			Type:   "supervisor_alert_ack",
			CallID: a.CallID,
			Alert:  a,
		})
	}
	return a, nil
}

type eventMessage struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Event  callstore.Event `json:"event"`
	Call   callstore.Call  `json:"call"`
}

type alertMessage struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Alert  callstore.Alert `json:"alert"`
}
