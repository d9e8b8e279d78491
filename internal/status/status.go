// Package status persists component liveness as a single JSON file per
// service, written atomically with a temp-file rename. Health endpoints
// read the file back and judge freshness by the document age.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/callpulse/callpulse/internal/clock"
)

// ErrNotFound is returned by [Read] when no status file exists yet.
var ErrNotFound = errors.New("status: file not found")

// Running-state sets per component. A state outside the set marks the
// component unhealthy regardless of freshness.
var (
	ConnectorRunningStates = []string{"running", "subscribed", "connecting", "reconnecting", "starting"}
	AudioHookRunningStates = []string{"running", "starting", "stopping"}
)

// Document is the on-disk status schema. Fields holds per-component
// counters and detail values that are flattened into the top-level JSON
// object alongside the fixed keys.
type Document struct {
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid"`
	LastError string    `json:"last_error,omitempty"`

	Fields map[string]any `json:"-"`
}

// MarshalJSON flattens Fields into the top-level object. Fixed keys win
// over a Fields entry of the same name.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+5)
	for k, v := range d.Fields {
		out[k] = v
	}
	out["state"] = d.State
	out["updated_at"] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	out["started_at"] = d.StartedAt.UTC().Format(time.RFC3339Nano)
	out["pid"] = d.PID
	if d.LastError != "" {
		out["last_error"] = d.LastError
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of [Document.MarshalJSON]; unknown keys are
// collected into Fields.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	if err := errors.Join(
		take("state", &d.State),
		take("updated_at", &d.UpdatedAt),
		take("started_at", &d.StartedAt),
		take("pid", &d.PID),
		take("last_error", &d.LastError),
	); err != nil {
		return err
	}
	if len(raw) > 0 {
		d.Fields = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			d.Fields[k] = val
		}
	}
	return nil
}

// Writer owns one status file. There is a single writer per file; updates
// replace the whole document atomically so readers never observe a torn
// write.
type Writer struct {
	path string
	clk  clock.Clock

	mu  sync.Mutex
	doc Document
}

// NewWriter creates a writer for path. StartedAt and PID are captured once.
func NewWriter(path string, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.System()
	}
	return &Writer{
		path: path,
		clk:  clk,
		doc: Document{
			State:     "initialized",
			StartedAt: clk.Now(),
			PID:       os.Getpid(),
			Fields:    make(map[string]any),
		},
	}
}

// Update sets the state, merges fields into the document, stamps
// updated_at, and rewrites the file.
func (w *Writer) Update(state string, fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doc.State = state
	for k, v := range fields {
		if k == "last_error" {
			w.doc.LastError = fmt.Sprint(v)
			continue
		}
		w.doc.Fields[k] = v
	}
	w.doc.UpdatedAt = w.clk.Now()
	return w.flushLocked()
}

// SetError records err as last_error and moves the component to the error
// state. A nil err clears last_error without changing state.
func (w *Writer) SetError(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.doc.LastError = ""
	} else {
		w.doc.LastError = err.Error()
		w.doc.State = "error"
	}
	w.doc.UpdatedAt = w.clk.Now()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	data, err := json.MarshalIndent(w.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal document: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("status: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("status: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("status: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("status: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("status: rename temp file: %w", err)
	}
	return nil
}

// Read loads and parses the status file at path.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("status: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return doc, nil
}

// Health is the freshness verdict for a status document.
type Health struct {
	Healthy    bool    `json:"healthy"`
	State      string  `json:"state"`
	AgeSeconds float64 `json:"age_seconds"`
	Stale      bool    `json:"stale"`
	LastError  string  `json:"last_error,omitempty"`
}

// Evaluate judges a document against a running-state set and a staleness
// bound. Healthy requires a running state, a fresh update, and no error
// state.
func Evaluate(doc Document, runningStates []string, staleAfter time.Duration, now time.Time) Health {
	age := now.Sub(doc.UpdatedAt)
	h := Health{
		State:      doc.State,
		AgeSeconds: age.Seconds(),
		Stale:      age > staleAfter,
		LastError:  doc.LastError,
	}
	running := false
	for _, s := range runningStates {
		if doc.State == s {
			running = true
			break
		}
	}
	h.Healthy = running && !h.Stale && doc.State != "error"
	return h
}
