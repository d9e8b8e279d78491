package audio

// TrimOddByte drops a trailing odd byte so the slice holds whole 16-bit
// samples. Returns the input unchanged when already aligned.
func TrimOddByte(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		return pcm[:len(pcm)-1]
	}
	return pcm
}

// ByteSwap16 converts 16-bit PCM between big- and little-endian in a new
// slice. A trailing odd byte is dropped.
func ByteSwap16(pcm []byte) []byte {
	pcm = TrimOddByte(pcm)
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		out[i], out[i+1] = pcm[i+1], pcm[i]
	}
	return out
}

// SampleCount returns the number of PCM frames in a byte slice for the given
// channel count and bytes per sample. Returns 0 for non-positive dimensions.
func SampleCount(byteLen, channels, sampleWidth int) int {
	if channels <= 0 || sampleWidth <= 0 {
		return 0
	}
	return byteLen / (channels * sampleWidth)
}
