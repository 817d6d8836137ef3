// Package oggopus decodes Ogg/Opus voice notes with libopusfile. It needs cgo
// and is kept apart so the rest of the module builds without libopus.
package oggopus

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"gopkg.in/hraban/opus.v2"

	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
	"github.com/skypro1111/whatsapp-transcriber/internal/decoder"
)

// Largest Opus frame is 120 ms
const maxFrameSamples = decoder.OpusSampleRate * 120 / 1000

// Decoder implements decoder.Decoder for Ogg/Opus
type Decoder struct{}

// New returns an Ogg/Opus decoder
func New() *Decoder {
	return &Decoder{}
}

// Decode implements decoder.Decoder
func (d *Decoder) Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
	numChannels, err := decoder.OpusChannels(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}

	stream, err := opus.NewStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open Opus stream: %w", fileName, err)
	}
	defer stream.Close()

	pcm := make([]float32, maxFrameSamples*numChannels)
	var samples []float32
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := stream.ReadFloat32(pcm)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: failed to decode Opus data: %w", fileName, err)
		}

		// n is samples per channel
		samples = append(samples, pcm[:n*numChannels]...)
	}

	return decoder.FromInterleaved(samples, numChannels, decoder.OpusSampleRate), nil
}
