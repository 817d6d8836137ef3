package audio

import "math"

const (
	// MaxUploadBytes is the transcription service's hard payload ceiling (25 MiB)
	MaxUploadBytes = 25 * 1024 * 1024

	// MaxCompressionFactor caps how aggressive the single-pass re-encode gets
	MaxCompressionFactor = 5

	// PartitionSizeRatio is the size ratio above which downsampling alone is not trusted
	PartitionSizeRatio = 2.5

	// PartitionDurationSeconds is the duration above which audio is always partitioned
	PartitionDurationSeconds = 600.0
)

// Plan describes how one attachment is adapted to the upload ceiling.
// It is derived from the original byte length and decoded duration and never stored.
type Plan struct {
	SizeRatio          float64 `json:"size_ratio"`
	CompressionFactor  int     `json:"compression_factor"`
	TargetSampleRate   int     `json:"target_sample_rate"`
	MaxDurationSeconds float64 `json:"max_duration_seconds"`
	BitDepth           int     `json:"bit_depth"`
	UsePartitioning    bool    `json:"use_partitioning"`
}

// SelectStrategy computes the processing plan for an attachment. Higher
// compression factors never yield a higher sample rate, bit depth or max
// duration than lower ones. The target rate is capped at originalSampleRate
// when that is known (positive).
func SelectStrategy(originalBytes int64, durationSeconds float64, originalSampleRate int) Plan {
	if originalBytes < 0 {
		originalBytes = 0
	}

	sizeRatio := float64(originalBytes) / float64(MaxUploadBytes)

	factor := int(math.Min(math.Ceil(sizeRatio), MaxCompressionFactor))
	if factor < 1 {
		factor = 1
	}

	targetRate := targetSampleRate(factor)
	if originalSampleRate > 0 && originalSampleRate <= targetRate {
		targetRate = originalSampleRate
	}

	bitDepth := 16
	if factor >= 3 {
		bitDepth = 8
	}

	return Plan{
		SizeRatio:          sizeRatio,
		CompressionFactor:  factor,
		TargetSampleRate:   targetRate,
		MaxDurationSeconds: maxDurationSeconds(factor),
		BitDepth:           bitDepth,
		UsePartitioning:    sizeRatio > PartitionSizeRatio || durationSeconds > PartitionDurationSeconds,
	}
}

func targetSampleRate(factor int) int {
	switch {
	case factor >= 5:
		return 5000
	case factor >= 4:
		return 6000
	case factor >= 3:
		return 8000
	case factor >= 2:
		return 11025
	default:
		return 16000
	}
}

func maxDurationSeconds(factor int) float64 {
	switch {
	case factor >= 4:
		return 300
	case factor >= 3:
		return 600
	case factor >= 2:
		return 1200
	default:
		return 1800
	}
}
