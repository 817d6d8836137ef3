package audio

// ResampleMixdown converts buf to a single channel at targetRate using
// nearest-neighbour index mapping and channel averaging. There is no
// anti-aliasing filter. A targetRate above the source rate is clamped to the
// source rate. When maxDurationSeconds is positive and the buffer is longer,
// the output is truncated from the start and truncated is reported.
func ResampleMixdown(buf *Buffer, targetRate int, maxDurationSeconds float64) (samples []float32, truncated bool) {
	sourceRate := buf.SampleRate
	sourceLength := buf.Len()
	if sourceRate <= 0 || sourceLength == 0 || targetRate <= 0 {
		return []float32{}, false
	}

	if targetRate > sourceRate {
		targetRate = sourceRate
	}

	finalLength := int(int64(sourceLength) * int64(targetRate) / int64(sourceRate))
	if maxDurationSeconds > 0 && buf.Duration() > maxDurationSeconds {
		finalLength = int(maxDurationSeconds * float64(targetRate))
		truncated = true
	}

	samples = make([]float32, finalLength)
	for i := 0; i < finalLength; i++ {
		sourceIndex := int(int64(i) * int64(sourceRate) / int64(targetRate))
		if sourceIndex >= sourceLength {
			break
		}
		samples[i] = buf.mixAt(sourceIndex)
	}

	return samples, truncated
}

// EffectiveRate returns the rate ResampleMixdown actually produces for buf
func EffectiveRate(buf *Buffer, targetRate int) int {
	if targetRate > buf.SampleRate {
		return buf.SampleRate
	}
	return targetRate
}
