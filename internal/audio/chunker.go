package audio

import (
	"fmt"
	"math"
)

const (
	// PartitionSampleRate is the fixed output rate of every chunk
	PartitionSampleRate = 16000

	// PartitionBitDepth is the fixed output bit depth of every chunk
	PartitionBitDepth = 16

	// MaxChunkDurationSeconds bounds the duration of a single chunk
	MaxChunkDurationSeconds = 360.0

	// MinChunkDurationSeconds is the floor preferred over MaxChunkDurationSeconds
	MinChunkDurationSeconds = 120.0

	// MaxChunkBytes is the uncompressed-equivalent budget per chunk, assuming
	// 4 bytes per sample per channel
	MaxChunkBytes = 20 * 1024 * 1024

	// Overall progress range reserved for partitioning
	partitionProgressStart = 50.0
	partitionProgressSpan  = 10.0
)

// ProgressFunc receives advisory progress updates as a percentage in [0, 100]
// and a human readable status line
type ProgressFunc func(percent float64, message string)

// Report calls p when it is non-nil
func (p ProgressFunc) Report(percent float64, message string) {
	if p != nil {
		p(percent, message)
	}
}

// Chunk is one bounded-duration mono slice of a partitioned attachment
type Chunk struct {
	Index           int     `json:"index"` // 1-based
	Total           int     `json:"total"`
	StartSeconds    float64 `json:"start_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`

	// Samples holds the normalized mono chunk audio at SampleRate
	Samples []float32 `json:"-"`
	Payload Payload   `json:"-"`
}

// Partition is the result of splitting one attachment into chunks
type Partition struct {
	Chunks        []Chunk `json:"chunks"`
	ChunkCount    int     `json:"chunk_count"`
	TotalDuration float64 `json:"total_duration_seconds"`
}

// ChunkCount returns how many chunks an input of the given duration, per-channel
// length and channel count is split into. Chunks are at most
// MaxChunkDurationSeconds long unless that would make them shorter than
// MinChunkDurationSeconds, in which case the count is reduced. An input of
// MinChunkDurationSeconds or less may still be split by the size budget.
func ChunkCount(durationSeconds float64, length, numChannels int) int {
	byDuration := math.Ceil(durationSeconds / MaxChunkDurationSeconds)
	bySize := math.Ceil(float64(length) * float64(numChannels) * 4 / MaxChunkBytes)

	count := int(math.Max(byDuration, bySize))
	if count < 1 {
		count = 1
	}

	if durationSeconds/float64(count) < MinChunkDurationSeconds && durationSeconds > MinChunkDurationSeconds {
		count = int(math.Floor(durationSeconds / MinChunkDurationSeconds))
	}

	return count
}

// PartitionBuffer splits buf into ChunkCount chunks, each mixed down to mono,
// resampled to PartitionSampleRate by nearest-neighbour mapping over its own
// source range, normalized, and encoded as 16-bit WAV named after fileName.
// progress is called once per chunk within the 50-60% range.
func PartitionBuffer(buf *Buffer, fileName string, progress ProgressFunc) (*Partition, error) {
	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("cannot partition audio: %w", err)
	}

	duration := buf.Duration()
	sourceLength := buf.Len()
	count := ChunkCount(duration, sourceLength, buf.NumChannels())

	chunkDuration := duration / float64(count)
	samplesPerChunk := int(math.Floor(chunkDuration * PartitionSampleRate))
	sourceSamplesPerChunk := int(math.Floor(chunkDuration * float64(buf.SampleRate)))

	partition := &Partition{
		Chunks:        make([]Chunk, 0, count),
		ChunkCount:    count,
		TotalDuration: duration,
	}

	for i := 0; i < count; i++ {
		progress.Report(
			partitionProgressStart+(float64(i)/float64(count))*partitionProgressSpan,
			fmt.Sprintf("Processing audio chunk %d/%d...", i+1, count),
		)

		start := i * sourceSamplesPerChunk
		end := min((i+1)*sourceSamplesPerChunk, sourceLength)

		samples := make([]float32, samplesPerChunk)
		if span := end - start; span > 0 {
			for j := range samples {
				pos := start + int(int64(j)*int64(span)/int64(samplesPerChunk))
				if pos >= sourceLength {
					break
				}
				samples[j] = buf.mixAt(pos)
			}
		}

		Normalize(samples)

		data, err := EncodeWAV(MonoBuffer(samples, PartitionSampleRate), PartitionBitDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to encode chunk %d/%d: %w", i+1, count, err)
		}

		partition.Chunks = append(partition.Chunks, Chunk{
			Index:           i + 1,
			Total:           count,
			StartSeconds:    float64(start) / float64(buf.SampleRate),
			DurationSeconds: float64(samplesPerChunk) / PartitionSampleRate,
			SampleRate:      PartitionSampleRate,
			Samples:         samples,
			Payload: Payload{
				FileName:    ChunkFileName(i+1, fileName),
				ContentType: "audio/wav",
				Data:        data,
			},
		})
	}

	return partition, nil
}
