package audio

import "math"

// BytesPerSample is the width of one s16le sample.
const BytesPerSample = 2

func float32ToInt16(sample float32) int16 {
	switch {
	case sample >= 1.0:
		return math.MaxInt16
	case sample <= -1.0:
		return math.MinInt16
	default:
		return int16(sample * math.MaxInt16)
	}
}

// Float32SliceToInt16SliceInto fills dst with float32 converted to int16 and returns the slice.
func Float32SliceToInt16SliceInto(dst []int16, samples []float32) []int16 {
	dst = grow(dst, len(samples))
	for i, sample := range samples {
		dst[i] = float32ToInt16(sample)
	}
	return dst
}

// Int16SliceToFloat32Into fills dst with int16 converted to float32 and returns the slice.
func Int16SliceToFloat32Into(dst []float32, samples []int16) []float32 {
	dst = grow(dst, len(samples))
	for i, sample := range samples {
		dst[i] = float32(sample) / float32(math.MaxInt16)
	}
	return dst
}

// Int16SliceToBytesInto converts int16 samples to little-endian bytes.
func Int16SliceToBytesInto(dst []byte, samples []int16) []byte {
	dst = grow(dst, len(samples)*BytesPerSample)
	for i, sample := range samples {
		dst[2*i] = byte(sample)
		dst[2*i+1] = byte(sample >> 8)
	}
	return dst
}

// BytesToInt16SliceInto decodes little-endian PCM16 bytes. A trailing odd byte
// is ignored.
func BytesToInt16SliceInto(dst []int16, data []byte) []int16 {
	n := len(data) / BytesPerSample
	dst = grow(dst, n)
	for i := 0; i < n; i++ {
		dst[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return dst
}

func grow[T any](dst []T, n int) []T {
	if cap(dst) < n {
		return make([]T, n)
	}
	return dst[:n]
}
