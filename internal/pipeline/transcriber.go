package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
	"github.com/skypro1111/whatsapp-transcriber/internal/decoder"
	"github.com/skypro1111/whatsapp-transcriber/internal/metrics"
	"github.com/skypro1111/whatsapp-transcriber/internal/transcription"
	"github.com/skypro1111/whatsapp-transcriber/internal/vad"
)

// Uploader sends one encoded payload to the speech-to-text service
type Uploader interface {
	Transcribe(ctx context.Context, payload audio.Payload, credential string) (string, error)
}

// Strategy names how an attachment was adapted to the upload ceiling
type Strategy string

const (
	StrategyDirect            Strategy = "direct"
	StrategySinglePass        Strategy = "single_pass"
	StrategyPartition         Strategy = "partition"
	StrategyPartitionFallback Strategy = "partition_fallback"
)

// Progress range reserved for chunk uploads
const (
	uploadProgressStart = 60.0
	uploadProgressSpan  = 30.0
)

const maxRetryBackoff = 30 * time.Second

// Options tunes the orchestrator
type Options struct {
	// ChunkConcurrency bounds parallel chunk uploads; 1 keeps them sequential
	ChunkConcurrency int

	// MaxRetries is the number of extra attempts for retryable upload failures
	MaxRetries   int
	RetryBackoff time.Duration

	// SkipSilentChunks leaves chunks without detected voice out of the upload
	SkipSilentChunks bool
	SilenceThreshold float32

	// MaxPayloadBytes is the ceiling a single-pass encode must fit under
	MaxPayloadBytes int
}

// Outcome is the result of transcribing one attachment
type Outcome struct {
	Transcript    string
	Failed        bool
	Strategy      Strategy
	Plan          *audio.Plan
	ChunkCount    int
	FailedChunks  int
	SkippedChunks int
	Err           error
}

// Transcriber runs the per-attachment state machine: direct upload, single
// pass re-encode, or partitioning, converting every failure into placeholder text
type Transcriber struct {
	decoder  decoder.Decoder
	uploader Uploader
	options  Options
	vad      *vad.Processor
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewTranscriber creates a transcriber. m may be nil.
func NewTranscriber(dec decoder.Decoder, uploader Uploader, options Options, logger *slog.Logger, m *metrics.Metrics) (*Transcriber, error) {
	if dec == nil {
		return nil, fmt.Errorf("decoder cannot be nil")
	}

	if uploader == nil {
		return nil, fmt.Errorf("uploader cannot be nil")
	}

	if options.ChunkConcurrency <= 0 {
		options.ChunkConcurrency = 1
	}

	if options.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative, got %d", options.MaxRetries)
	}

	if options.RetryBackoff <= 0 {
		options.RetryBackoff = time.Second
	}

	if options.SilenceThreshold == 0 {
		options.SilenceThreshold = vad.DefaultThreshold
	}

	if options.MaxPayloadBytes <= 0 {
		options.MaxPayloadBytes = audio.MaxUploadBytes
	}

	processor, err := vad.NewProcessor(options.SilenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid silence threshold: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Transcriber{
		decoder:  dec,
		uploader: uploader,
		options:  options,
		vad:      processor,
		logger:   logger.With(slog.String("component", "pipeline")),
		metrics:  m,
	}, nil
}

// VADStats returns voice activity statistics across all analyzed chunks
func (t *Transcriber) VADStats() vad.ProcessorStats {
	return t.vad.GetStats()
}

// TranscribeAudio returns the transcript of one attachment, or placeholder
// text if any step fails. It never returns an error.
func (t *Transcriber) TranscribeAudio(ctx context.Context, data []byte, fileName, credential string, progress audio.ProgressFunc) string {
	return t.Process(ctx, data, fileName, credential, progress).Transcript
}

// Process is TranscribeAudio with the processing details attached
func (t *Transcriber) Process(ctx context.Context, data []byte, fileName, credential string, progress audio.ProgressFunc) (out Outcome) {
	startTime := time.Now()
	logger := t.logger.With(slog.String("file", fileName))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while transcribing attachment", slog.Any("panic", r))
			out = failed(out.Strategy, fmt.Errorf("internal error: %v", r))
		}

		outcome := "success"
		switch {
		case out.Failed:
			outcome = "failed"
		case out.FailedChunks > 0:
			outcome = "partial"
		}
		t.metrics.RecordAttachment(outcome, len(data))

		attrs := []any{
			slog.String("strategy", string(out.Strategy)),
			slog.String("outcome", outcome),
			slog.Duration("elapsed", time.Since(startTime)),
		}
		if out.Failed {
			logger.Warn("Attachment transcription failed", append(attrs, slog.String("error", out.Err.Error()))...)
		} else {
			logger.Info("Attachment transcribed", append(attrs, slog.Int("text_length", len(out.Transcript)))...)
		}
	}()

	if err := ctx.Err(); err != nil {
		return failed("", err)
	}

	oversized := len(data) > audio.MaxUploadBytes
	if oversized {
		logger.Info("Attachment exceeds upload limit",
			slog.Int("size", len(data)),
			slog.Int("limit", audio.MaxUploadBytes))
		progress.Report(50, fmt.Sprintf("Large audio file detected. Processing %s...", fileName))
	}

	if !oversized && !isOpus(fileName) {
		return t.direct(ctx, data, fileName, credential)
	}

	buf, err := t.decoder.Decode(ctx, data, fileName)
	if err != nil {
		return failed("", &DecodeError{FileName: fileName, Err: err})
	}

	plan := audio.SelectStrategy(int64(len(data)), buf.Duration(), buf.SampleRate)
	logger.Info("Selected processing plan",
		slog.Int("original_size", len(data)),
		slog.Float64("duration_seconds", buf.Duration()),
		slog.Int("sample_rate", buf.SampleRate),
		slog.Int("channels", buf.NumChannels()),
		slog.Float64("size_ratio", plan.SizeRatio),
		slog.Int("compression_factor", plan.CompressionFactor),
		slog.Bool("partition", plan.UsePartitioning))

	if plan.UsePartitioning {
		out = t.partitioned(ctx, buf, fileName, credential, progress, StrategyPartition)
		out.Plan = &plan
		return out
	}

	payload, err := t.singlePass(buf, plan, fileName, logger)
	if errors.Is(err, ErrEncodingOverflow) {
		logger.Warn("Single-pass output still too large, falling back to partitioning",
			slog.String("error", err.Error()))
		t.metrics.RecordPartitionFallback()

		out = t.partitioned(ctx, buf, fileName, credential, progress, StrategyPartitionFallback)
		out.Plan = &plan
		return out
	}
	if err != nil {
		return failed(StrategySinglePass, err)
	}

	t.metrics.RecordStrategy(string(StrategySinglePass))

	text, err := t.upload(ctx, payload, credential)
	if err != nil {
		out = failed(StrategySinglePass, err)
		out.Plan = &plan
		return out
	}

	return Outcome{Transcript: text, Strategy: StrategySinglePass, Plan: &plan}
}

// direct uploads the original bytes untouched
func (t *Transcriber) direct(ctx context.Context, data []byte, fileName, credential string) Outcome {
	t.metrics.RecordStrategy(string(StrategyDirect))

	payload := audio.Payload{
		FileName:    path.Base(strings.ReplaceAll(fileName, "\\", "/")),
		ContentType: audio.ContentType(fileName),
		Data:        data,
	}

	text, err := t.upload(ctx, payload, credential)
	if err != nil {
		return failed(StrategyDirect, err)
	}
	return Outcome{Transcript: text, Strategy: StrategyDirect}
}

// singlePass downsamples, conditions and encodes buf as one mono payload
func (t *Transcriber) singlePass(buf *audio.Buffer, plan audio.Plan, fileName string, logger *slog.Logger) (audio.Payload, error) {
	samples, truncated := audio.ResampleMixdown(buf, plan.TargetSampleRate, plan.MaxDurationSeconds)
	if truncated {
		logger.Warn("Audio truncated to maximum duration",
			slog.Float64("duration_seconds", buf.Duration()),
			slog.Float64("max_duration_seconds", plan.MaxDurationSeconds))
	}

	audio.Normalize(samples)
	if plan.CompressionFactor >= 2 {
		audio.Compress(samples, plan.CompressionFactor)
	}

	rate := audio.EffectiveRate(buf, plan.TargetSampleRate)
	data, err := audio.EncodeWAV(audio.MonoBuffer(samples, rate), plan.BitDepth)
	if err != nil {
		return audio.Payload{}, fmt.Errorf("failed to encode audio: %w", err)
	}

	logger.Info("Encoded single-pass payload",
		slog.Int("sample_rate", rate),
		slog.Int("bit_depth", plan.BitDepth),
		slog.Int("encoded_size", len(data)),
		slog.Float64("compression_ratio", float64(len(data))/float64(max(1, estimateOriginalBytes(buf)))))

	if len(data) > t.options.MaxPayloadBytes {
		return audio.Payload{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrEncodingOverflow, len(data), t.options.MaxPayloadBytes)
	}

	return audio.Payload{
		FileName:    audio.WAVFileName(fileName),
		ContentType: "audio/wav",
		Data:        data,
	}, nil
}

// partitioned splits buf into chunks, uploads each with per-chunk failure
// isolation, and assembles the fragments in chunk order
func (t *Transcriber) partitioned(ctx context.Context, buf *audio.Buffer, fileName, credential string, progress audio.ProgressFunc, strategy Strategy) Outcome {
	t.metrics.RecordStrategy(string(strategy))

	partition, err := audio.PartitionBuffer(buf, fileName, progress)
	if err != nil {
		return failed(strategy, err)
	}

	total := partition.ChunkCount
	t.logger.Info("Partitioned attachment",
		slog.String("file", fileName),
		slog.Int("chunks", total),
		slog.Float64("duration_seconds", partition.TotalDuration))

	fragments := make([]string, total)
	var failedChunks, skippedChunks int
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(t.options.ChunkConcurrency)

	for i := range partition.Chunks {
		chunk := &partition.Chunks[i]
		t.metrics.RecordChunkGenerated(chunk.DurationSeconds)

		g.Go(func() error {
			// errgroup goroutines are outside the recover in Process
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("Panic while transcribing chunk",
						slog.String("file", fileName),
						slog.Int("chunk", chunk.Index),
						slog.Any("panic", r))

					mu.Lock()
					failedChunks++
					mu.Unlock()

					fragments[i] = chunkMarker(chunk.Index, fmt.Errorf("internal error: %v", r))
				}
			}()

			mu.Lock()
			progress.Report(
				uploadProgressStart+(float64(i)/float64(total))*uploadProgressSpan,
				fmt.Sprintf("Transcribing chunk %d/%d...", chunk.Index, total),
			)
			mu.Unlock()

			activity := t.vad.Process(chunk.Samples, chunk.SampleRate)
			t.logger.Debug("Chunk ready",
				slog.String("file", fileName),
				slog.Int("chunk", chunk.Index),
				slog.Int("size", chunk.Payload.Size()),
				slog.Float64("voice_ratio", activity.VoiceRatio))

			if t.options.SkipSilentChunks && !activity.HasVoice() {
				t.metrics.RecordChunkSkipped()
				mu.Lock()
				skippedChunks++
				mu.Unlock()
				return nil
			}

			text, err := t.upload(ctx, chunk.Payload, credential)
			if err != nil {
				t.logger.Warn("Chunk transcription failed",
					slog.String("file", fileName),
					slog.Int("chunk", chunk.Index),
					slog.Int("total", total),
					slog.String("error", err.Error()))

				mu.Lock()
				failedChunks++
				mu.Unlock()

				fragments[i] = chunkMarker(chunk.Index, err)
				return nil
			}

			fragments[i] = text
			return nil
		})
	}

	// Chunk failures become markers, so Wait has nothing to report
	_ = g.Wait()

	return Outcome{
		Transcript:    transcription.Assemble(fragments),
		Strategy:      strategy,
		ChunkCount:    total,
		FailedChunks:  failedChunks,
		SkippedChunks: skippedChunks,
	}
}

// upload calls the uploader, retrying retryable failures up to MaxRetries times
func (t *Transcriber) upload(ctx context.Context, payload audio.Payload, credential string) (string, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if attempt > 0 {
			t.metrics.RecordTranscriptionRetry()

			backoff := t.options.RetryBackoff << (attempt - 1)
			if backoff > maxRetryBackoff || backoff <= 0 {
				backoff = maxRetryBackoff
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		startTime := time.Now()
		t.metrics.RecordTranscriptionRequest(payload.Size())

		text, err := t.uploader.Transcribe(ctx, payload, credential)
		if err == nil {
			t.metrics.RecordTranscriptionSuccess(time.Since(startTime).Seconds())
			return text, nil
		}

		t.metrics.RecordTranscriptionFailure(failureStatus(err), time.Since(startTime).Seconds())

		if attempt >= t.options.MaxRetries || !transcription.IsRetryable(err) {
			return "", err
		}

		t.logger.Info("Retrying transcription request",
			slog.String("file", payload.FileName),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
}

func failed(strategy Strategy, err error) Outcome {
	return Outcome{
		Transcript: Placeholder(err),
		Failed:     true,
		Strategy:   strategy,
		Err:        err,
	}
}

func failureStatus(err error) string {
	var te *transcription.TranscriptionError
	if errors.As(err, &te) {
		return strconv.Itoa(te.Status)
	}
	return "error"
}

func isOpus(fileName string) bool {
	return strings.HasSuffix(strings.ToLower(fileName), ".opus")
}

// estimateOriginalBytes is the 16-bit PCM size of buf, used for logging only
func estimateOriginalBytes(buf *audio.Buffer) int {
	return buf.Len() * buf.NumChannels() * 2
}
