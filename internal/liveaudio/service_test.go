package liveaudio

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/callpulse/callpulse/internal/clock"
)

func newTestService(t *testing.T, windowSeconds int) *Service {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	return New(t.TempDir(), windowSeconds, 1<<20, clk, slog.New(slog.DiscardHandler))
}

// ─── sanitization ───

func TestSanitizeCallID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"abc-123", "abc-123"},
		{"../../etc/passwd", "etc_passwd"},
		{"call id with spaces", "call_id_with_spaces"},
		{"..", "call"},
		{"", "call"},
		{"__x__", "x"},
	}
	for _, tc := range cases {
		if got := SanitizeCallID(tc.in); got != tc.want {
			t.Errorf("SanitizeCallID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeCallID_Truncates(t *testing.T) {
	t.Parallel()

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	if got := SanitizeCallID(string(long)); len(got) != 96 {
		t.Errorf("len = %d, want 96", len(got))
	}
}

// ─── append and window ───

func TestAppend_Rejections(t *testing.T) {
	t.Parallel()

	s := newTestService(t, 30)
	if _, err := s.Append("c", nil, 8000, 1, 2, "", time.Time{}); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("empty payload: err = %v, want ErrEmptyPayload", err)
	}
	if _, err := s.Append("c", make([]byte, 2<<20), 8000, 1, 2, "", time.Time{}); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("oversized: err = %v, want ErrChunkTooLarge", err)
	}
	if _, err := s.Append("c", []byte{0, 0}, 0, 1, 2, "", time.Time{}); !errors.Is(err, ErrBadFormat) {
		t.Errorf("zero rate: err = %v, want ErrBadFormat", err)
	}
}

func TestAppend_WindowEviction(t *testing.T) {
	t.Parallel()

	// 30 s window at 8 kHz mono 16-bit: 240000 samples max.
	s := newTestService(t, 30)
	chunk := make([]byte, 15*8000*2) // 15 s per chunk

	for i := 0; i < 3; i++ {
		if _, err := s.Append("c-1", chunk, 8000, 1, 2, "", time.Time{}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	// Third append pushes the window to 45 s; the oldest chunk is evicted.
	sum := s.State("c-1")
	if sum.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", sum.ChunkCount)
	}
	if want := 30 * 8000; sum.TotalSamples != want {
		t.Errorf("TotalSamples = %d, want %d", sum.TotalSamples, want)
	}
}

func TestAppend_KeepsOversizedSingleChunk(t *testing.T) {
	t.Parallel()

	// One chunk longer than the window must survive eviction.
	s := newTestService(t, 30)
	chunk := make([]byte, 40*8000*2) // 40 s
	sum, err := s.Append("c-1", chunk, 8000, 1, 2, "", time.Time{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if sum.ChunkCount != 1 || sum.TotalSamples != 40*8000 {
		t.Errorf("summary = %+v, want single 320000-sample chunk", sum)
	}
}

func TestAppend_FormatChangeResetsCall(t *testing.T) {
	t.Parallel()

	s := newTestService(t, 30)
	if _, err := s.Append("c-1", make([]byte, 1600), 8000, 1, 2, "first", time.Time{}); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	firstFile := filepath.Join(s.dir, "c-1", "000000000_first.pcm")
	if _, err := os.Stat(firstFile); err != nil {
		t.Fatalf("first chunk not on disk: %v", err)
	}

	sum, err := s.Append("c-1", make([]byte, 6400), 16000, 2, 2, "second", time.Time{})
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if sum.ChunkCount != 1 || sum.SampleRate != 16000 || sum.Channels != 2 {
		t.Errorf("summary after format change = %+v", sum)
	}
	if _, err := os.Stat(firstFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("old-format chunk still on disk: %v", err)
	}
}

func TestAppend_FilesStayInsideCallDir(t *testing.T) {
	t.Parallel()

	s := newTestService(t, 30)
	if _, err := s.Append("../escape", []byte{0, 0}, 8000, 1, 2, "", time.Time{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, "escape")); err != nil {
		t.Errorf("sanitized dir missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(s.dir), "escape")); !errors.Is(err, os.ErrNotExist) {
		t.Error("chunk written outside service dir")
	}
}

// ─── wav render ───

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestService(t, 30)
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if _, err := s.Append("c-1", pcm, 8000, 1, 2, "", time.Time{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	wav, ok := s.WAV("c-1", 0)
	if !ok {
		t.Fatal("WAV returned no data")
	}
	got, rate, ch, width, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if rate != 8000 || ch != 1 || width != 2 {
		t.Errorf("format = %d/%d/%d, want 8000/1/2", rate, ch, width)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm round trip mismatch: got %v want %v", got, pcm)
	}
}

func TestWAV_MaxSecondsKeepsNewest(t *testing.T) {
	t.Parallel()

	s := newTestService(t, 300)
	old := make([]byte, 8000*2) // 1 s of zeros
	recent := make([]byte, 8000*2)
	for i := range recent {
		recent[i] = 0x7F
	}
	if _, err := s.Append("c-1", old, 8000, 1, 2, "old", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append("c-1", recent, 8000, 1, 2, "new", time.Time{}); err != nil {
		t.Fatal(err)
	}

	wav, ok := s.WAV("c-1", 1)
	if !ok {
		t.Fatal("WAV returned no data")
	}
	pcm, _, _, _, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if len(pcm) != 8000*2 {
		t.Fatalf("len = %d, want %d", len(pcm), 8000*2)
	}
	// Truncation keeps the most recent second, which is all 0x7F.
	for i, b := range pcm {
		if b != 0x7F {
			t.Fatalf("byte %d = %#02x, want 0x7F (oldest audio not trimmed)", i, b)
		}
	}
}

func TestWAV_UnknownCall(t *testing.T) {
	t.Parallel()

	s := newTestService(t, 30)
	if _, ok := s.WAV("nope", 0); ok {
		t.Error("expected no data for unknown call")
	}
}
