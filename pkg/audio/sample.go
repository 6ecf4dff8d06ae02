package audio

// Sample is the set of PCM sample formats the speech pipeline accepts.
//
// Signed formats are centered on zero. Unsigned formats are offset-binary:
// the midpoint of their range is silence.
type Sample interface {
	float32 | int16 | int8 | uint16 | uint8
}

// ToFloat32 normalizes a single sample to an amplitude in [-1, 1].
//
// float32 samples are passed through untouched, so callers that already hold
// normalized audio pay nothing. Integer formats are scaled by their full-scale
// value (32768 for 16-bit, 128 for 8-bit); unsigned formats are recentered
// before scaling.
func ToFloat32[S Sample](s S) float32 {
	switch v := any(s).(type) {
	case int16:
		return float32(v) / 32768
	case int8:
		return float32(v) / 128
	case uint16:
		return (float32(v) - 32768) / 32768
	case uint8:
		return (float32(v) - 128) / 128
	}
	return float32(s)
}

// Float32s normalizes src into dst and returns the result. dst is grown when
// its capacity is too small; pass nil to always allocate.
func Float32s[S Sample](dst []float32, src []S) []float32 {
	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = ToFloat32(s)
	}
	return dst
}
