package callstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable [Store] used when engine.postgres_dsn is
// set. Call, event, and alert rows survive restarts; the bus does not,
// so SSE clients still reconnect and resubscribe as usual.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, verifies the connection, and applies
// the schema migration.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("callstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS realtime_calls (
			id              TEXT PRIMARY KEY,
			provider        TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT '',
			agent_id        TEXT NOT NULL DEFAULT '',
			customer_id     TEXT NOT NULL DEFAULT '',
			last_speaker    TEXT NOT NULL DEFAULT '',
			last_text       TEXT NOT NULL DEFAULT '',
			sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS realtime_events (
			id          BIGSERIAL PRIMARY KEY,
			call_id     TEXT NOT NULL REFERENCES realtime_calls(id),
			occurred_at TIMESTAMPTZ NOT NULL,
			event_type  TEXT NOT NULL DEFAULT '',
			speaker     TEXT NOT NULL DEFAULT '',
			body        TEXT NOT NULL DEFAULT '',
			sentiment   DOUBLE PRECISION,
			confidence  DOUBLE PRECISION,
			metadata    JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS realtime_events_call_idx
			ON realtime_events (call_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS supervisor_alerts (
			id              BIGSERIAL PRIMARY KEY,
			call_id         TEXT NOT NULL REFERENCES realtime_calls(id),
			alert_type      TEXT NOT NULL,
			severity        TEXT NOT NULL,
			message         TEXT NOT NULL DEFAULT '',
			acknowledged    BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_at TIMESTAMPTZ,
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS supervisor_alerts_call_type_idx
			ON supervisor_alerts (call_id, alert_type, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("callstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (Call, error) {
	var c Call
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, status, agent_id, customer_id, last_speaker,
		       last_text, sentiment_score, risk_score, metadata, created_at, updated_at
		FROM realtime_calls WHERE id = $1`, id).
		Scan(&c.ID, &c.Provider, &c.Status, &c.AgentID, &c.CustomerID, &c.LastSpeaker,
			&c.LastText, &c.SentimentScore, &c.RiskScore, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, ErrCallNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("callstore: get call: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) PutCall(ctx context.Context, c Call) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO realtime_calls
			(id, provider, status, agent_id, customer_id, last_speaker,
			 last_text, sentiment_score, risk_score, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			status = EXCLUDED.status,
			agent_id = EXCLUDED.agent_id,
			customer_id = EXCLUDED.customer_id,
			last_speaker = EXCLUDED.last_speaker,
			last_text = EXCLUDED.last_text,
			sentiment_score = EXCLUDED.sentiment_score,
			risk_score = EXCLUDED.risk_score,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Provider, c.Status, c.AgentID, c.CustomerID, c.LastSpeaker,
		c.LastText, c.SentimentScore, c.RiskScore, c.Metadata, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("callstore: put call: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e Event) (Event, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO realtime_events
			(call_id, occurred_at, event_type, speaker, body, sentiment, confidence, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		e.CallID, e.OccurredAt, e.EventType, e.Speaker, e.Text, e.Sentiment, e.Confidence, e.Metadata).
		Scan(&e.ID)
	if err != nil {
		return Event{}, fmt.Errorf("callstore: append event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, callID string, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, occurred_at, event_type, speaker, body, sentiment, confidence, metadata
		FROM realtime_events WHERE call_id = $1
		ORDER BY id DESC LIMIT $2`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("callstore: recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CallID, &e.OccurredAt, &e.EventType, &e.Speaker,
			&e.Text, &e.Sentiment, &e.Confidence, &e.Metadata); err != nil {
			return nil, fmt.Errorf("callstore: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: recent events: %w", err)
	}
	// Query returns newest first; callers want oldest to newest.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a Alert) (Alert, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO supervisor_alerts
			(call_id, alert_type, severity, message, acknowledged, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		a.CallID, a.AlertType, a.Severity, a.Message, a.Acknowledged, a.Metadata, a.CreatedAt).
		Scan(&a.ID)
	if err != nil {
		return Alert{}, fmt.Errorf("callstore: insert alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id int64) (Alert, error) {
	a, err := s.scanAlertRow(s.pool.QueryRow(ctx, `
		SELECT id, call_id, alert_type, severity, message, acknowledged, acknowledged_at, metadata, created_at
		FROM supervisor_alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrAlertNotFound
	}
	if err != nil {
		return Alert{}, fmt.Errorf("callstore: get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AckAlert(ctx context.Context, id int64, at time.Time) (Alert, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE supervisor_alerts SET acknowledged = TRUE, acknowledged_at = $2
		WHERE id = $1 AND NOT acknowledged`, id, at)
	if err != nil {
		return Alert{}, false, fmt.Errorf("callstore: ack alert: %w", err)
	}
	a, err := s.GetAlert(ctx, id)
	if err != nil {
		return Alert{}, false, err
	}
	return a, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RecentAlerts(ctx context.Context, callID string, limit int) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, alert_type, severity, message, acknowledged, acknowledged_at, metadata, created_at
		FROM supervisor_alerts WHERE call_id = $1
		ORDER BY id DESC LIMIT $2`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("callstore: recent alerts: %w", err)
	}
	return s.collectAlerts(rows)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, callID string, openOnly bool, limit int) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, alert_type, severity, message, acknowledged, acknowledged_at, metadata, created_at
		FROM supervisor_alerts
		WHERE ($1 = '' OR call_id = $1) AND (NOT $2 OR NOT acknowledged)
		ORDER BY created_at DESC, id DESC LIMIT $3`, callID, openOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("callstore: list alerts: %w", err)
	}
	return s.collectAlerts(rows)
}

func (s *PostgresStore) LastAlertTime(ctx context.Context, callID, alertType string) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM supervisor_alerts
		WHERE call_id = $1 AND alert_type = $2
		ORDER BY created_at DESC LIMIT 1`, callID, alertType).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("callstore: last alert time: %w", err)
	}
	return t, true, nil
}

func (s *PostgresStore) scanAlertRow(row pgx.Row) (Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.CallID, &a.AlertType, &a.Severity, &a.Message,
		&a.Acknowledged, &a.AcknowledgedAt, &a.Metadata, &a.CreatedAt)
	return a, err
}

func (s *PostgresStore) collectAlerts(rows pgx.Rows) ([]Alert, error) {
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		a, err := s.scanAlertRow(rows)
		if err != nil {
			return nil, fmt.Errorf("callstore: scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: alerts: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
