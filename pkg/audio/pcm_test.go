package audio_test

import (
	"bytes"
	"testing"

	"github.com/callpulse/callpulse/pkg/audio"
)

func TestByteSwap16(t *testing.T) {
	t.Parallel()

	in := []byte{0x01, 0x02, 0x03, 0x04}
	want := []byte{0x02, 0x01, 0x04, 0x03}
	if got := audio.ByteSwap16(in); !bytes.Equal(got, want) {
		t.Errorf("ByteSwap16(%v) = %v, want %v", in, got, want)
	}
}

func TestByteSwap16_DropsTrailingOddByte(t *testing.T) {
	t.Parallel()

	in := []byte{0x01, 0x02, 0x03}
	if got := audio.ByteSwap16(in); len(got) != 2 {
		t.Errorf("ByteSwap16 length = %d, want 2", len(got))
	}
}

func TestSampleCount(t *testing.T) {
	t.Parallel()

	if got := audio.SampleCount(16000, 1, 2); got != 8000 {
		t.Errorf("SampleCount(16000,1,2) = %d, want 8000", got)
	}
	if got := audio.SampleCount(16000, 2, 2); got != 4000 {
		t.Errorf("SampleCount(16000,2,2) = %d, want 4000", got)
	}
	if got := audio.SampleCount(100, 0, 2); got != 0 {
		t.Errorf("SampleCount with zero channels = %d, want 0", got)
	}
}
