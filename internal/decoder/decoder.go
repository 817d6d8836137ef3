package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
)

// Decoder turns an encoded audio attachment into floating-point PCM
type Decoder interface {
	Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error)
}

// Func adapts an ordinary function to the Decoder interface
type Func func(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error)

// Decode calls f
func (f Func) Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
	return f(ctx, data, fileName)
}

// Registry dispatches decoding by lower-cased file extension. Extensions with
// no registered decoder go to the fallback.
type Registry struct {
	decoders map[string]Decoder
	fallback Decoder
	logger   *slog.Logger

	mu sync.RWMutex
}

// NewRegistry creates a registry with the given fallback decoder, which may be nil
func NewRegistry(fallback Decoder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		decoders: make(map[string]Decoder),
		fallback: fallback,
		logger:   logger.With(slog.String("component", "decoder")),
	}
}

// Register binds ext (with or without the leading dot) to d
func (r *Registry) Register(ext string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoders[normalizeExt(ext)] = d
}

// Extensions returns the registered extensions
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.decoders))
	for ext := range r.decoders {
		exts = append(exts, ext)
	}
	return exts
}

// Decode selects a decoder for fileName and validates its output
func (r *Registry) Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: no audio data", fileName)
	}

	ext := normalizeExt(path.Ext(fileName))

	r.mu.RLock()
	d, ok := r.decoders[ext]
	r.mu.RUnlock()

	if !ok {
		if r.fallback == nil {
			return nil, fmt.Errorf("%s: no decoder for extension %q", fileName, ext)
		}
		d = r.fallback
	}

	buf, err := d.Decode(ctx, data, fileName)
	if err != nil {
		return nil, err
	}

	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: decoded audio is unusable: %w", fileName, err)
	}

	r.logger.Debug("Decoded audio",
		slog.String("file", fileName),
		slog.Int("channels", buf.NumChannels()),
		slog.Int("sample_rate", buf.SampleRate),
		slog.Float64("duration_seconds", buf.Duration()))

	return buf, nil
}

// Chain tries each decoder in order and returns the first success
type Chain []Decoder

// Decode implements Decoder
func (c Chain) Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
	var errs []error
	for _, d := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		buf, err := d.Decode(ctx, data, fileName)
		if err == nil {
			return buf, nil
		}
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%s: no decoders configured", fileName)
	}
	return nil, errors.Join(errs...)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// FromInterleaved splits frame-interleaved samples into channels. A
// trailing partial frame is dropped.
func FromInterleaved(samples []float32, numChannels, sampleRate int) *audio.Buffer {
	if numChannels <= 0 {
		numChannels = 1
	}

	length := len(samples) / numChannels
	buf := audio.NewBuffer(numChannels, length, sampleRate)
	for i := 0; i < length; i++ {
		frame := samples[i*numChannels:]
		for c := 0; c < numChannels; c++ {
			buf.Channels[c][i] = frame[c]
		}
	}
	return buf
}

// NewDefaultRegistry registers the pure-Go WAV and Ogg/Vorbis decoders, each
// backed by ff, and uses ff for every other extension
func NewDefaultRegistry(ff *FFmpeg, logger *slog.Logger) *Registry {
	r := NewRegistry(ff, logger)
	r.Register(".wav", Chain{WAV{}, ff})
	r.Register(".ogg", Chain{Vorbis{}, ff})
	return r
}
