package liveaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadWAV is returned by [ParseWAV] for malformed or non-PCM input.
var ErrBadWAV = errors.New("liveaudio: malformed wav")

// EncodeWAV wraps little-endian PCM in a minimal RIFF/WAVE container with
// a single fmt and data chunk.
func EncodeWAV(pcm []byte, sampleRate, channels, sampleWidth int) []byte {
	byteRate := sampleRate * channels * sampleWidth
	blockAlign := channels * sampleWidth

	out := make([]byte, 0, 44+len(pcm))
	le := binary.LittleEndian

	u32 := func(v uint32) []byte {
		var b [4]byte
		le.PutUint32(b[:], v)
		return b[:]
	}
	u16 := func(v uint16) []byte {
		var b [2]byte
		le.PutUint16(b[:], v)
		return b[:]
	}

	out = append(out, "RIFF"...)
	out = append(out, u32(uint32(36+len(pcm)))...)
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = append(out, u32(16)...)
	out = append(out, u16(1)...) // PCM
	out = append(out, u16(uint16(channels))...)
	out = append(out, u32(uint32(sampleRate))...)
	out = append(out, u32(uint32(byteRate))...)
	out = append(out, u16(uint16(blockAlign))...)
	out = append(out, u16(uint16(sampleWidth*8))...)
	out = append(out, "data"...)
	out = append(out, u32(uint32(len(pcm)))...)
	out = append(out, pcm...)
	return out
}

// ParseWAV extracts raw PCM and its format from a RIFF/WAVE container.
// Only uncompressed 16-bit PCM is accepted.
func ParseWAV(data []byte) (pcm []byte, sampleRate, channels, sampleWidth int, err error) {
	le := binary.LittleEndian
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrBadWAV)
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(le.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			return nil, 0, 0, 0, fmt.Errorf("%w: truncated %q chunk", ErrBadWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, 0, fmt.Errorf("%w: short fmt chunk", ErrBadWAV)
			}
			format := le.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, 0, 0, fmt.Errorf("%w: unsupported audio format %d", ErrBadWAV, format)
			}
			channels = int(le.Uint16(data[body+2 : body+4]))
			sampleRate = int(le.Uint32(data[body+4 : body+8]))
			bits := int(le.Uint16(data[body+14 : body+16]))
			if bits != 16 {
				return nil, 0, 0, 0, fmt.Errorf("%w: unsupported bit depth %d", ErrBadWAV, bits)
			}
			sampleWidth = bits / 8
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, 0, fmt.Errorf("%w: data chunk before fmt", ErrBadWAV)
			}
			pcm = data[body : body+size]
			return pcm, sampleRate, channels, sampleWidth, nil
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}
	return nil, 0, 0, 0, fmt.Errorf("%w: no data chunk", ErrBadWAV)
}
