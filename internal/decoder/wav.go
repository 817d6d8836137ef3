package decoder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/go-audio/wav"

	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
)

// WAV decodes integer PCM WAV files with go-audio
type WAV struct{}

// Decode implements Decoder
func (WAV) Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%s: invalid WAV file", fileName)
	}

	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%s: unsupported WAV format %d (only integer PCM is supported)", fileName, d.WavAudioFormat)
	}

	numChannels := int(d.NumChans)
	bitDepth := int(d.BitDepth)
	sampleRate := int(d.SampleRate)

	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%s: unsupported bit depth %d", fileName, bitDepth)
	}

	pcm, err := d.FullPCMBuffer()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%s: failed to read PCM buffer: %w", fileName, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples := make([]float32, len(pcm.Data))
	if bitDepth == 8 {
		// 8-bit WAV is unsigned
		for i, v := range pcm.Data {
			samples[i] = float32(v-128) / 128
		}
	} else {
		scale := float32(int64(1) << (bitDepth - 1))
		for i, v := range pcm.Data {
			samples[i] = float32(v) / scale
		}
	}

	return FromInterleaved(samples, numChannels, sampleRate), nil
}
