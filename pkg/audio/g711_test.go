package audio_test

import (
	"testing"

	"github.com/callpulse/callpulse/pkg/audio"
)

func TestDecodeULawSample_KnownValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   byte
		want int16
	}{
		{0x00, -32124}, // most negative μ-law code
		{0x80, 32124},  // most positive μ-law code
		{0xFF, 0},      // positive zero
		{0x7F, 0},      // negative zero
	}
	for _, tc := range cases {
		if got := audio.DecodeULawSample(tc.in); got != tc.want {
			t.Errorf("DecodeULawSample(%#02x) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDecodeALawSample_KnownValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   byte
		want int16
	}{
		{0x55, -8},     // smallest negative magnitude
		{0xD5, 8},      // smallest positive magnitude
		{0x2A, -32256}, // most negative A-law code
		{0xAA, 32256},  // most positive A-law code
	}
	for _, tc := range cases {
		if got := audio.DecodeALawSample(tc.in); got != tc.want {
			t.Errorf("DecodeALawSample(%#02x) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestExpandULaw_Length(t *testing.T) {
	t.Parallel()

	in := make([]byte, 160) // 20 ms at 8 kHz
	out := audio.ExpandULaw(in)
	if len(out) != 320 {
		t.Fatalf("ExpandULaw output length = %d, want 320", len(out))
	}
}

func TestExpandALaw_Monotonic(t *testing.T) {
	t.Parallel()

	// Decoded magnitudes must grow with the chord for positive codes.
	prev := audio.DecodeALawSample(0xD5)
	for _, code := range []byte{0xC5, 0xF5, 0xE5, 0x95, 0x85, 0xB5, 0xA5} {
		got := audio.DecodeALawSample(code)
		if got <= prev {
			t.Fatalf("A-law magnitude not increasing: code %#02x decoded to %d (prev %d)", code, got, prev)
		}
		prev = got
	}
}
