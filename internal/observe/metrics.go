package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/callpulse/callpulse"

// Metrics holds every instrument the services record on. A nil *Metrics
// is valid and records nothing, so tests can pass nil freely.
type Metrics struct {
	EventsIngested      metric.Int64Counter
	AlertsRaised        metric.Int64Counter
	IngestLatency       metric.Float64Histogram
	ChunksForwarded     metric.Int64Counter
	EventsForwarded     metric.Int64Counter
	ForwardFailures     metric.Int64Counter
	ConnectorReconnects metric.Int64Counter
	ActiveConnections   metric.Int64UpDownCounter
	SSESubscribers      metric.Int64UpDownCounter
	SinkLatency         metric.Float64Histogram
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var errs []error
	instr := func(err error) { errs = append(errs, err) }

	var err error
	m.EventsIngested, err = meter.Int64Counter("callpulse.events.ingested",
		metric.WithDescription("Realtime events accepted by the ingest engine"))
	instr(err)
	m.AlertsRaised, err = meter.Int64Counter("callpulse.alerts.raised",
		metric.WithDescription("Supervisor alerts created"))
	instr(err)
	m.IngestLatency, err = meter.Float64Histogram("callpulse.ingest.duration",
		metric.WithDescription("Ingest engine processing time"),
		metric.WithUnit("s"))
	instr(err)
	m.ChunksForwarded, err = meter.Int64Counter("callpulse.audiohook.chunks.forwarded",
		metric.WithDescription("Audio chunks flushed to the audio sink"))
	instr(err)
	m.EventsForwarded, err = meter.Int64Counter("callpulse.events.forwarded",
		metric.WithDescription("Normalized events forwarded to the event sink"))
	instr(err)
	m.ForwardFailures, err = meter.Int64Counter("callpulse.forward.failures",
		metric.WithDescription("Sink POSTs that failed after all retries"))
	instr(err)
	m.ConnectorReconnects, err = meter.Int64Counter("callpulse.connector.reconnects",
		metric.WithDescription("Vendor websocket reconnect attempts"))
	instr(err)
	m.ActiveConnections, err = meter.Int64UpDownCounter("callpulse.audiohook.connections",
		metric.WithDescription("Open AudioHook websocket connections"))
	instr(err)
	m.SSESubscribers, err = meter.Int64UpDownCounter("callpulse.sse.subscribers",
		metric.WithDescription("Connected SSE stream clients"))
	instr(err)
	m.SinkLatency, err = meter.Float64Histogram("callpulse.sink.duration",
		metric.WithDescription("Sink POST round-trip time including retries"),
		metric.WithUnit("s"))
	instr(err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// The recording helpers below are nil-safe so call sites never need a
// metrics guard.

func (m *Metrics) EventIngested(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.EventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) AlertRaised(ctx context.Context, alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert_type", alertType),
		attribute.String("severity", severity)))
}

func (m *Metrics) IngestTook(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestLatency.Record(ctx, d.Seconds())
}

func (m *Metrics) ChunkForwarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChunksForwarded.Add(ctx, 1)
}

func (m *Metrics) EventForwarded(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.EventsForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) ForwardFailed(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.ForwardFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func (m *Metrics) Reconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.ConnectorReconnects.Add(ctx, 1)
}

func (m *Metrics) ConnectionDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, delta)
}

func (m *Metrics) SubscriberDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.SSESubscribers.Add(ctx, delta)
}

func (m *Metrics) SinkTook(ctx context.Context, sink string, d time.Duration) {
	if m == nil {
		return
	}
	m.SinkLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("sink", sink)))
}
