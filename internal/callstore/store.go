// Package callstore holds the durable realtime state: calls, their
// append-only events, and supervisor alerts. Two implementations exist,
// an in-memory store and a Postgres-backed one; both present identical
// semantics to the ingest engine.
package callstore

import (
	"context"
	"errors"
	"time"
)

// Lookup errors shared by all implementations.
var (
	ErrCallNotFound  = errors.New("callstore: call not found")
	ErrAlertNotFound = errors.New("callstore: alert not found")
)

// Call is the mutable per-call scoring state. ID is the external call id.
type Call struct {
	ID             string         `json:"call_id"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	AgentID        string         `json:"agent_id,omitempty"`
	CustomerID     string         `json:"customer_id,omitempty"`
	LastSpeaker    string         `json:"last_speaker,omitempty"`
	LastText       string         `json:"last_text,omitempty"`
	SentimentScore float64        `json:"sentiment_score"`
	RiskScore      float64        `json:"risk_score"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Event is an append-only record under a call. Never mutated once stored.
type Event struct {
	ID         int64          `json:"id"`
	CallID     string         `json:"call_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	EventType  string         `json:"event_type"`
	Speaker    string         `json:"speaker,omitempty"`
	Text       string         `json:"text,omitempty"`
	Sentiment  *float64       `json:"sentiment,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Alert is a supervisor alert raised against a call. Only the ack fields
// are ever mutated after creation.
type Alert struct {
	ID             int64          `json:"id"`
	CallID         string         `json:"call_id"`
	AlertType      string         `json:"alert_type"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store persists calls, events, and alerts. Implementations must be safe
// for concurrent use; the engine serializes writes per call id on top.
type Store interface {
	// GetCall returns the call or ErrCallNotFound.
	GetCall(ctx context.Context, id string) (Call, error)
	// PutCall inserts or fully replaces the call row.
	PutCall(ctx context.Context, c Call) error

	// AppendEvent stores e and returns it with its assigned id.
	AppendEvent(ctx context.Context, e Event) (Event, error)
	// RecentEvents returns up to limit of the call's newest events,
	// ordered oldest to newest.
	RecentEvents(ctx context.Context, callID string, limit int) ([]Event, error)

	// InsertAlert stores a and returns it with its assigned id.
	InsertAlert(ctx context.Context, a Alert) (Alert, error)
	// GetAlert returns the alert or ErrAlertNotFound.
	GetAlert(ctx context.Context, id int64) (Alert, error)
	// AckAlert marks the alert acknowledged at the given time. Returns the
	// updated alert and whether this call changed it.
	AckAlert(ctx context.Context, id int64, at time.Time) (Alert, bool, error)
	// RecentAlerts returns up to limit of the call's newest alerts,
	// ordered newest first.
	RecentAlerts(ctx context.Context, callID string, limit int) ([]Alert, error)
	// ListAlerts returns alerts newest first, optionally restricted to one
	// call and to unacknowledged alerts.
	ListAlerts(ctx context.Context, callID string, openOnly bool, limit int) ([]Alert, error)
	// LastAlertTime returns the creation time of the newest alert for the
	// (call, type) pair, or false when none exists.
	LastAlertTime(ctx context.Context, callID, alertType string) (time.Time, bool, error)

	Close()
}

// CloneMetadata returns a shallow copy of m so stored state cannot alias
// caller-owned maps.
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
