package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// WAVHeaderSize is the size of the canonical PCM WAV header
const WAVHeaderSize = 44

// Samples converted per write; keeps the scratch buffer bounded for long inputs
const (
	encodeWindow8  = 16384
	encodeWindow16 = 8192
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(numChannels, sampleRate, bitDepth, numSamples int) WAVHeader {
	bytesPerSample := bitDepth / 8
	dataSize := uint32(numSamples * numChannels * bytesPerSample)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(numChannels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bytesPerSample),
		BlockAlign:    uint16(numChannels * bytesPerSample),
		BitsPerSample: uint16(bitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodedWAVSize returns the byte length EncodeWAV produces for buf
func EncodedWAVSize(buf *Buffer, bitDepth int) int {
	return WAVHeaderSize + buf.Len()*buf.NumChannels()*(bitDepth/8)
}

// EncodeWAV encodes buf as an uncompressed PCM WAV file at 8 or 16 bits per sample.
//
// Sample data is laid out channel-major: every sample of channel 0, then every
// sample of channel 1, and so on. This is not the frame-interleaved layout most
// WAV readers expect for multi-channel files; for mono output the two are identical.
func EncodeWAV(buf *Buffer, bitDepth int) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, EncodedWAVSize(buf, bitDepth)))
	if err := WriteWAV(out, buf, bitDepth); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WriteWAV streams the EncodeWAV byte layout to w in fixed-size windows
func WriteWAV(w io.Writer, buf *Buffer, bitDepth int) error {
	if bitDepth != 8 && bitDepth != 16 {
		return fmt.Errorf("unsupported bit depth: %d (only 8 and 16 are supported)", bitDepth)
	}

	if buf.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", buf.SampleRate)
	}

	if buf.NumChannels() == 0 {
		return fmt.Errorf("cannot encode audio with no channels")
	}

	header := newWAVHeader(buf.NumChannels(), buf.SampleRate, bitDepth, buf.Len())
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}

	window := encodeWindow16
	if bitDepth == 8 {
		window = encodeWindow8
	}
	scratch := make([]byte, window*bitDepth/8)

	for c, samples := range buf.Channels {
		for start := 0; start < len(samples); start += window {
			end := min(start+window, len(samples))

			n := 0
			for _, s := range samples[start:end] {
				if bitDepth == 8 {
					scratch[n] = quantize8(s)
					n++
				} else {
					binary.LittleEndian.PutUint16(scratch[n:], uint16(quantize16(s)))
					n += 2
				}
			}

			if _, err := w.Write(scratch[:n]); err != nil {
				return fmt.Errorf("failed to write audio data for channel %d: %w", c, err)
			}
		}
	}

	return nil
}

// quantize8 maps [-1, 1] to unsigned 8-bit PCM
func quantize8(sample float32) uint8 {
	if math.IsNaN(float64(sample)) {
		sample = 0
	}
	v := math.Round(((float64(sample) + 1) / 2) * 255)
	return uint8(math.Max(0, math.Min(255, v)))
}

// quantize16 maps [-1, 1] to signed 16-bit PCM with asymmetric scaling
func quantize16(sample float32) int16 {
	if math.IsNaN(float64(sample)) {
		return 0
	}
	s := math.Max(-1, math.Min(1, float64(sample)))
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// DecodeWAV decodes a PCM WAV file written by EncodeWAV back to float samples.
// It reads the channel-major layout and returns the bit depth found in the header.
func DecodeWAV(data []byte) (*Buffer, int, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, 0, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != 8 && header.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 8 and 16 are supported)", header.BitsPerSample)
	}

	if header.NumChannels == 0 {
		return nil, 0, fmt.Errorf("invalid WAV file: zero channels")
	}

	bytesPerSample := int(header.BitsPerSample) / 8
	numChannels := int(header.NumChannels)
	dataSize := min(int(header.Subchunk2Size), len(data)-WAVHeaderSize)
	length := dataSize / (bytesPerSample * numChannels)

	buf := NewBuffer(numChannels, length, int(header.SampleRate))
	pcm := data[WAVHeaderSize:]
	for c := 0; c < numChannels; c++ {
		base := c * length * bytesPerSample
		for i := 0; i < length; i++ {
			offset := base + i*bytesPerSample
			if bytesPerSample == 1 {
				buf.Channels[c][i] = (float32(pcm[offset]) - 127.5) / 127.5
			} else {
				v := int16(binary.LittleEndian.Uint16(pcm[offset:]))
				if v < 0 {
					buf.Channels[c][i] = float32(v) / 0x8000
				} else {
					buf.Channels[c][i] = float32(v) / 0x7FFF
				}
			}
		}
	}

	return buf, int(header.BitsPerSample), nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"` // per channel
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	if header.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid block align: 0")
	}

	numSamples := header.Subchunk2Size / uint32(header.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}
