// Package liveaudio keeps a rolling window of recent PCM per call on disk,
// one file per appended chunk, and renders the window as WAV on demand.
// Only the most recent window_seconds of audio survive; older chunk files
// are deleted as new audio arrives.
package liveaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/callpulse/callpulse/internal/clock"
)

// Append rejection errors. They map to 4xx responses on the ingest path.
var (
	ErrEmptyPayload  = errors.New("liveaudio: empty pcm payload")
	ErrChunkTooLarge = errors.New("liveaudio: chunk exceeds max_chunk_bytes")
	ErrBadFormat     = errors.New("liveaudio: non-positive sample format")
)

const maxCallIDLen = 96

// SanitizeCallID maps an arbitrary call id onto a filesystem-safe name:
// only [A-Za-z0-9_.-] survive, leading/trailing dots and underscores are
// trimmed, length is capped, and an empty result falls back to "call".
func SanitizeCallID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "._")
	if len(s) > maxCallIDLen {
		s = s[:maxCallIDLen]
	}
	if s == "" {
		s = "call"
	}
	return s
}

type chunkInfo struct {
	Seq        int
	File       string
	ChunkID    string
	Samples    int
	Bytes      int
	OccurredAt time.Time
}

type callState struct {
	SampleRate   int
	Channels     int
	SampleWidth  int
	Chunks       []chunkInfo
	TotalSamples int
	NextSeq      int
	UpdatedAt    time.Time
}

// Summary is the externally visible state of one call's buffer.
type Summary struct {
	CallID          string    `json:"call_id"`
	Available       bool      `json:"available"`
	DurationSeconds float64   `json:"duration_seconds"`
	SampleRate      int       `json:"sample_rate"`
	Channels        int       `json:"channels"`
	SampleWidth     int       `json:"sample_width"`
	ChunkCount      int       `json:"chunk_count"`
	TotalSamples    int       `json:"total_samples"`
	LastChunkID     string    `json:"last_chunk_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// Service is the rolling live-audio buffer. All state mutation and file IO
// happen under one mutex; renders copy what they need and do file reads
// under the same lock to keep the chunk index consistent with the files.
type Service struct {
	dir           string
	windowSeconds int
	maxChunkBytes int
	clk           clock.Clock
	log           *slog.Logger

	mu    sync.Mutex
	calls map[string]*callState
}

// New creates a Service rooted at dir.
func New(dir string, windowSeconds, maxChunkBytes int, clk clock.Clock, log *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		dir:           dir,
		windowSeconds: windowSeconds,
		maxChunkBytes: maxChunkBytes,
		clk:           clk,
		log:           log,
		calls:         make(map[string]*callState),
	}
}

// Append persists one PCM chunk for the call and evicts audio that has
// fallen out of the rolling window. A change in the sample format resets
// the call's buffer before the chunk is accepted.
func (s *Service) Append(callID string, pcm []byte, sampleRate, channels, sampleWidth int, chunkID string, occurredAt time.Time) (Summary, error) {
	if len(pcm) == 0 {
		return Summary{}, ErrEmptyPayload
	}
	if len(pcm) > s.maxChunkBytes {
		return Summary{}, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(pcm), s.maxChunkBytes)
	}
	if sampleRate <= 0 || channels <= 0 || sampleWidth <= 0 {
		return Summary{}, fmt.Errorf("%w: rate=%d channels=%d width=%d", ErrBadFormat, sampleRate, channels, sampleWidth)
	}
	id := SanitizeCallID(callID)
	if occurredAt.IsZero() {
		occurredAt = s.clk.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.calls[id]
	if ok && (st.SampleRate != sampleRate || st.Channels != channels || st.SampleWidth != sampleWidth) {
		s.log.Info("live audio format changed, resetting call buffer",
			"call_id", id,
			"old", fmt.Sprintf("%d/%d/%d", st.SampleRate, st.Channels, st.SampleWidth),
			"new", fmt.Sprintf("%d/%d/%d", sampleRate, channels, sampleWidth))
		s.resetLocked(id)
		ok = false
	}
	if !ok {
		st = &callState{SampleRate: sampleRate, Channels: channels, SampleWidth: sampleWidth}
		s.calls[id] = st
	}

	if chunkID == "" {
		chunkID = fmt.Sprintf("c%d", occurredAt.UnixMilli())
	}
	chunkID = SanitizeCallID(chunkID)

	callDir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(callDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("liveaudio: create call dir: %w", err)
	}
	name := fmt.Sprintf("%09d_%s.pcm", st.NextSeq, chunkID)
	path := filepath.Join(callDir, name)
	if err := os.WriteFile(path, pcm, 0o644); err != nil {
		return Summary{}, fmt.Errorf("liveaudio: write chunk: %w", err)
	}

	samples := len(pcm) / (channels * sampleWidth)
	st.Chunks = append(st.Chunks, chunkInfo{
		Seq:        st.NextSeq,
		File:       path,
		ChunkID:    chunkID,
		Samples:    samples,
		Bytes:      len(pcm),
		OccurredAt: occurredAt,
	})
	st.NextSeq++
	st.TotalSamples += samples
	st.UpdatedAt = s.clk.Now()

	// Evict oldest chunks beyond the window, always keeping at least the
	// newest one.
	maxSamples := s.windowSeconds * st.SampleRate
	for st.TotalSamples > maxSamples && len(st.Chunks) > 1 {
		old := st.Chunks[0]
		st.Chunks = st.Chunks[1:]
		st.TotalSamples -= old.Samples
		if err := os.Remove(old.File); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to delete evicted chunk", "file", old.File, "error", err)
		}
	}

	return s.summaryLocked(id, st), nil
}

// State reports the buffer summary for a call. Unknown calls yield an
// unavailable summary, not an error.
func (s *Service) State(callID string) Summary {
	id := SanitizeCallID(callID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.calls[id]
	if !ok {
		return Summary{CallID: id}
	}
	return s.summaryLocked(id, st)
}

// WAV renders the call's buffered audio as a WAV file. When maxSeconds is
// positive only the most recent maxSeconds are included. Returns false when
// the call has no buffered audio.
func (s *Service) WAV(callID string, maxSeconds float64) ([]byte, bool) {
	id := SanitizeCallID(callID)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.calls[id]
	if !ok || len(st.Chunks) == 0 {
		return nil, false
	}

	var pcm []byte
	for _, c := range st.Chunks {
		data, err := os.ReadFile(c.File)
		if err != nil {
			s.log.Warn("failed to read chunk, skipping", "file", c.File, "error", err)
			continue
		}
		pcm = append(pcm, data...)
	}
	if len(pcm) == 0 {
		return nil, false
	}

	if maxSeconds > 0 {
		frame := st.Channels * st.SampleWidth
		keep := int(maxSeconds*float64(st.SampleRate)) * frame
		if keep < len(pcm) {
			off := len(pcm) - keep
			off -= off % frame
			pcm = pcm[off:]
		}
	}
	return EncodeWAV(pcm, st.SampleRate, st.Channels, st.SampleWidth), true
}

// Reset discards all buffered audio and state for a call.
func (s *Service) Reset(callID string) {
	id := SanitizeCallID(callID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(id)
}

func (s *Service) resetLocked(id string) {
	delete(s.calls, id)
	if err := os.RemoveAll(filepath.Join(s.dir, id)); err != nil {
		s.log.Warn("failed to remove call dir", "call_id", id, "error", err)
	}
}

func (s *Service) summaryLocked(id string, st *callState) Summary {
	sum := Summary{
		CallID:       id,
		Available:    len(st.Chunks) > 0,
		SampleRate:   st.SampleRate,
		Channels:     st.Channels,
		SampleWidth:  st.SampleWidth,
		ChunkCount:   len(st.Chunks),
		TotalSamples: st.TotalSamples,
		UpdatedAt:    st.UpdatedAt,
	}
	if st.SampleRate > 0 {
		sum.DurationSeconds = float64(st.TotalSamples) / float64(st.SampleRate)
	}
	if n := len(st.Chunks); n > 0 {
		sum.LastChunkID = st.Chunks[n-1].ChunkID
	}
	return sum
}
