package audio

import (
	"fmt"
	"path"
	"strings"
)

// Buffer holds decoded floating-point PCM audio, one sample slice per channel.
// All channels have the same length. Samples are nominally in [-1, 1] but are
// not clamped until encoding.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// NewBuffer allocates a zeroed buffer with the given shape
func NewBuffer(numChannels, length, sampleRate int) *Buffer {
	channels := make([][]float32, numChannels)
	for c := range channels {
		channels[c] = make([]float32, length)
	}
	return &Buffer{
		Channels:   channels,
		SampleRate: sampleRate,
	}
}

// MonoBuffer wraps a single sample slice as a one-channel buffer
func MonoBuffer(samples []float32, sampleRate int) *Buffer {
	return &Buffer{
		Channels:   [][]float32{samples},
		SampleRate: sampleRate,
	}
}

// NumChannels returns the number of channels in the buffer
func (b *Buffer) NumChannels() int {
	return len(b.Channels)
}

// Len returns the number of samples per channel
func (b *Buffer) Len() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length in seconds
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Len()) / float64(b.SampleRate)
}

// Validate checks the buffer shape invariants
func (b *Buffer) Validate() error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", b.SampleRate)
	}

	if len(b.Channels) == 0 {
		return fmt.Errorf("buffer has no channels")
	}

	length := len(b.Channels[0])
	for c, samples := range b.Channels {
		if len(samples) != length {
			return fmt.Errorf("channel %d has %d samples, expected %d", c, len(samples), length)
		}
	}

	if length == 0 {
		return fmt.Errorf("buffer has no samples")
	}

	return nil
}

// mixAt returns the arithmetic mean across all channels at index i
func (b *Buffer) mixAt(i int) float32 {
	if len(b.Channels) == 1 {
		return b.Channels[0][i]
	}
	var sum float64
	for _, samples := range b.Channels {
		sum += float64(samples[i])
	}
	return float32(sum / float64(len(b.Channels)))
}

// Payload is an encoded audio blob ready for upload
type Payload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Size returns the payload length in bytes
func (p Payload) Size() int {
	return len(p.Data)
}

// WAVFileName returns the base name of fileName with its extension replaced by .wav
func WAVFileName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext) + ".wav"
}

// ChunkFileName returns the upload name for the 1-based chunk index of fileName
func ChunkFileName(index int, fileName string) string {
	return fmt.Sprintf("chunk_%d_%s", index, WAVFileName(fileName))
}

// ContentType guesses the MIME type of an audio attachment from its extension
func ContentType(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".opus", ".ogg":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/m4a"
	case ".wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}
