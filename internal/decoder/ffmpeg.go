package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
)

// FFmpeg decodes any format ffmpeg understands by shelling out to ffprobe and ffmpeg
type FFmpeg struct {
	Path      string // ffmpeg binary, defaults to "ffmpeg"
	ProbePath string // ffprobe binary, defaults to "ffprobe"
	TempDir   string // defaults to os.TempDir()

	Logger *slog.Logger
}

// NewFFmpeg creates an ffmpeg decoder. An empty path means "ffmpeg" on $PATH;
// ffprobe is looked up next to it.
func NewFFmpeg(ffmpegPath string, logger *slog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	probe := "ffprobe"
	if dir := filepath.Dir(ffmpegPath); dir != "." {
		probe = filepath.Join(dir, "ffprobe")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FFmpeg{
		Path:      ffmpegPath,
		ProbePath: probe,
		Logger:    logger,
	}
}

// Available reports whether both binaries can be found
func (f *FFmpeg) Available() bool {
	if _, err := exec.LookPath(f.ffmpeg()); err != nil {
		return false
	}
	if _, err := exec.LookPath(f.ffprobe()); err != nil {
		return false
	}
	return true
}

type probeResult struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Decode implements Decoder
func (f *FFmpeg) Decode(ctx context.Context, data []byte, fileName string) (*audio.Buffer, error) {
	tmp, err := os.CreateTemp(f.TempDir, "decode-*"+filepath.Ext(fileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	sampleRate, numChannels, err := f.probe(ctx, tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}

	cmd := exec.CommandContext(ctx, f.ffmpeg(),
		"-v", "error",
		"-i", tmp.Name(),
		"-vn",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(numChannels),
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: ffmpeg decode failed: %w: %s", fileName, err, strings.TrimSpace(stderr.String()))
	}

	raw := stdout.Bytes()
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	f.Logger.Debug("ffmpeg decoded audio",
		slog.String("file", fileName),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", numChannels),
		slog.Int("samples", len(samples)))

	return FromInterleaved(samples, numChannels, sampleRate), nil
}

func (f *FFmpeg) probe(ctx context.Context, path string) (sampleRate, numChannels int, err error) {
	cmd := exec.CommandContext(ctx, f.ffprobe(),
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels",
		"-of", "json",
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var result probeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return 0, 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if len(result.Streams) == 0 {
		return 0, 0, fmt.Errorf("no audio stream found")
	}

	stream := result.Streams[0]
	sampleRate, err = strconv.Atoi(stream.SampleRate)
	if err != nil || sampleRate <= 0 {
		return 0, 0, fmt.Errorf("invalid sample rate %q", stream.SampleRate)
	}

	if stream.Channels <= 0 {
		return 0, 0, fmt.Errorf("invalid channel count %d", stream.Channels)
	}

	return sampleRate, stream.Channels, nil
}

func (f *FFmpeg) ffmpeg() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

func (f *FFmpeg) ffprobe() string {
	if f.ProbePath == "" {
		return "ffprobe"
	}
	return f.ProbePath
}
