package decoder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/jfreymuth/oggvorbis"

	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
)

const vorbisReadSize = 16384

// Vorbis decodes Ogg/Vorbis streams in pure Go
type Vorbis struct{}

// Decode implements Decoder
func (Vorbis) Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
	r, err := oggvorbis.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open Ogg/Vorbis stream: %w", fileName, err)
	}

	numChannels := r.Channels()
	sampleRate := r.SampleRate()

	var samples []float32
	scratch := make([]float32, vorbisReadSize*numChannels)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := r.Read(scratch)
		samples = append(samples, scratch[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read Ogg/Vorbis data: %w", fileName, err)
		}
	}

	return FromInterleaved(samples, numChannels, sampleRate), nil
}
