// Package audio provides byte-level PCM helpers shared by the AudioHook
// ingress and the live-audio buffer: G.711 expansion to linear 16-bit PCM,
// endianness conversion, and sample accounting. All linear PCM in this
// codebase is signed 16-bit little-endian unless stated otherwise.
package audio

// G.711 expansion constants.
const (
	ulawBias = 0x84 // μ-law quantisation bias

	signBit   = 0x80
	quantMask = 0x0F
	segMask   = 0x70
	segShift  = 4
)

// DecodeULawSample expands one μ-law (PCMU) byte to a linear 16-bit sample.
func DecodeULawSample(u byte) int16 {
	u = ^u
	t := (int32(u&quantMask) << 3) + ulawBias
	t <<= (uint(u) & segMask) >> segShift
	if u&signBit != 0 {
		return int16(ulawBias - t)
	}
	return int16(t - ulawBias)
}

// DecodeALawSample expands one A-law (PCMA) byte to a linear 16-bit sample.
func DecodeALawSample(a byte) int16 {
	a ^= 0x55
	t := int32(a&quantMask) << 4
	seg := (uint(a) & segMask) >> segShift
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	// A-law sign convention is inverted relative to μ-law: a set sign bit
	// marks a positive sample.
	if a&signBit != 0 {
		return int16(t)
	}
	return int16(-t)
}

// ExpandULaw expands μ-law bytes to S16LE PCM (2 bytes out per byte in).
func ExpandULaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, u := range in {
		s := DecodeULawSample(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ExpandALaw expands A-law bytes to S16LE PCM (2 bytes out per byte in).
func ExpandALaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, a := range in {
		s := DecodeALawSample(a)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
