package audio

import "math"

const (
	// NormalizedPeak is the peak amplitude after Normalize (20% headroom)
	NormalizedPeak float32 = 0.8

	// CompressionThreshold is the magnitude above which Compress acts
	CompressionThreshold float32 = 0.5
)

// Normalize scales samples in place so the peak magnitude is NormalizedPeak.
// Silence is left untouched. A signal already peaking at NormalizedPeak is not rescaled.
func Normalize(samples []float32) {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}

	if peak == 0 || peak == NormalizedPeak || math.IsNaN(float64(peak)) || math.IsInf(float64(peak), 0) {
		return
	}

	gain := float64(NormalizedPeak) / float64(peak)
	for i, s := range samples {
		samples[i] = float32(float64(s) * gain)
	}
}

// Compress applies a memoryless hard-knee compressor in place: magnitude
// above CompressionThreshold is divided by 2+factor, sign preserved. It is a
// no-op for factors below 2.
func Compress(samples []float32, factor int) {
	if factor < 2 {
		return
	}

	ratio := float32(2 + factor)
	for i, s := range samples {
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs <= CompressionThreshold {
			continue
		}

		compressed := CompressionThreshold + (abs-CompressionThreshold)/ratio
		if s >= 0 {
			samples[i] = compressed
		} else {
			samples[i] = -compressed
		}
	}
}
