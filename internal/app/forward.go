package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/callpulse/callpulse/internal/gateway"
)

// eventForwarder hands realtime event payloads straight to the gateway's
// ingest path, skipping the HTTP hop for single-process deployments.
type eventForwarder struct {
	gw *gateway.Server
}

func (f *eventForwarder) Post(ctx context.Context, payload any) error {
	m, err := asMap(payload)
	if err != nil {
		return err
	}
	_, err = f.gw.IngestEvent(ctx, m)
	return err
}

// audioForwarder does the same for flushed audio-chunk payloads.
type audioForwarder struct {
	gw *gateway.Server
}

func (f *audioForwarder) Post(ctx context.Context, payload any) error {
	m, err := asMap(payload)
	if err != nil {
		return err
	}
	return f.gw.IngestAudio(ctx, m)
}

// nopForwarder satisfies the connector's sink when only the topic preview
// is wanted.
type nopForwarder struct{}

func (nopForwarder) Post(context.Context, any) error { return nil }

func asMap(payload any) (map[string]any, error) {
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("app: encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("app: decode payload: %w", err)
	}
	return m, nil
}
