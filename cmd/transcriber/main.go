package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/skypro1111/whatsapp-transcriber/internal/archive"
	"github.com/skypro1111/whatsapp-transcriber/internal/config"
	"github.com/skypro1111/whatsapp-transcriber/internal/decoder"
	"github.com/skypro1111/whatsapp-transcriber/internal/decoder/oggopus"
	"github.com/skypro1111/whatsapp-transcriber/internal/jobs"
	"github.com/skypro1111/whatsapp-transcriber/internal/metrics"
	"github.com/skypro1111/whatsapp-transcriber/internal/pipeline"
	"github.com/skypro1111/whatsapp-transcriber/internal/server"
	"github.com/skypro1111/whatsapp-transcriber/internal/storage"
	"github.com/skypro1111/whatsapp-transcriber/internal/transcription"
)

const (
	serviceName    = "whatsapp-transcriber"
	serviceVersion = "1.0.0"
)

// errNoCredential is reported before any attachment is processed
var errNoCredential = errors.New("no transcription API key: set OPENAI_API_KEY, transcription.api_key or -key")

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage:
  %[1]s [flags] batch <export.zip>   transcribe the voice notes of one export
  %[1]s [flags] serve                run the HTTP API

Flags:
`, filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	apiKey := flag.String("key", "", "Transcription API key for batch mode (overrides configuration)")
	outDir := flag.String("out", ".", "Output directory for batch results")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("mode", flag.Arg(0)),
		slog.String("config_path", *configPath),
	)

	// Create cancellable context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch flag.Arg(0) {
	case "batch":
		if flag.NArg() != 2 {
			usage()
			os.Exit(2)
		}
		err = runBatch(ctx, cfg, logger, flag.Arg(1), *apiKey, *outDir)
	case "serve":
		err = runServe(ctx, cfg, logger)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// buildTranscriber wires the decoders and the transcription client into a pipeline
func buildTranscriber(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*pipeline.Transcriber, *transcription.Client, error) {
	ff := decoder.NewFFmpeg(cfg.Processing.FFmpegPath, logger)
	if cfg.Processing.FFprobePath != "" {
		ff.ProbePath = cfg.Processing.FFprobePath
	}
	if !ff.Available() {
		logger.Warn("ffmpeg or ffprobe not found, only WAV, Ogg/Vorbis and Ogg/Opus can be decoded",
			slog.String("ffmpeg", ff.Path),
			slog.String("ffprobe", ff.ProbePath))
	}

	registry := decoder.NewDefaultRegistry(ff, logger)
	registry.Register(".opus", decoder.Chain{oggopus.New(), ff})

	client, err := transcription.NewClient(transcription.Config{
		BaseURL:       cfg.Transcription.BaseURL,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transcription client: %w", err)
	}

	transcriber, err := pipeline.NewTranscriber(registry, client, pipeline.Options{
		ChunkConcurrency: cfg.Processing.ChunkConcurrency,
		MaxRetries:       cfg.Transcription.MaxRetries,
		RetryBackoff:     cfg.Transcription.GetRetryBackoff(),
		SkipSilentChunks: cfg.Processing.SkipSilentChunks,
		SilenceThreshold: cfg.Processing.SilenceThreshold,
	}, logger, m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	logger.Info("Pipeline initialized",
		slog.String("base_url", cfg.Transcription.BaseURL),
		slog.String("model", cfg.Transcription.Model),
		slog.Any("decoders", registry.Extensions()),
		slog.Int("chunk_concurrency", cfg.Processing.ChunkConcurrency),
		slog.Int("max_retries", cfg.Transcription.MaxRetries),
		slog.Bool("skip_silent_chunks", cfg.Processing.SkipSilentChunks),
	)

	return transcriber, client, nil
}

// runBatch transcribes every audio attachment of one export and writes the
// transcript map as JSON plus a plain-text listing
func runBatch(ctx context.Context, cfg *config.Config, logger *slog.Logger, exportPath, apiKey, outDir string) error {
	credential := resolveCredential(apiKey, cfg.Transcription.APIKey)
	if credential == "" {
		return errNoCredential
	}

	export, err := archive.Open(exportPath)
	if err != nil {
		return err
	}

	logger.Info("Export opened",
		slog.String("path", exportPath),
		slog.String("chat_file", export.ChatFile),
		slog.Int("audio_files", len(export.Audio)),
	)

	transcriber, _, err := buildTranscriber(cfg, logger, nil)
	if err != nil {
		return err
	}

	startTime := time.Now()
	progress := func(percent float64, message string) {
		logger.Info(message, slog.Float64("progress", percent))
	}

	result := transcriber.TranscribeAll(ctx, export.Audio, credential, progress)

	jsonPath, textPath, err := writeBatchOutput(outDir, exportPath, result)
	if err != nil {
		return err
	}

	vadStats := transcriber.VADStats()
	logger.Info("Batch complete",
		slog.Int("audio_files", len(result.Entries)),
		slog.Int("failed", result.FailedCount()),
		slog.Uint64("chunks_analyzed", vadStats.TotalChunks),
		slog.Uint64("silent_chunks", vadStats.SilentChunks),
		slog.Duration("elapsed", time.Since(startTime)),
		slog.String("json", jsonPath),
		slog.String("text", textPath),
	)

	return ctx.Err()
}

// resolveCredential prefers the explicit flag over the configured key
func resolveCredential(flagKey, configKey string) string {
	if key := strings.TrimSpace(flagKey); key != "" {
		return key
	}
	return strings.TrimSpace(configKey)
}

// writeBatchOutput writes <name>.transcripts.json and <name>.transcripts.txt to outDir
func writeBatchOutput(outDir, exportPath string, result pipeline.Result) (string, string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(exportPath), filepath.Ext(exportPath))
	jsonPath := filepath.Join(outDir, base+".transcripts.json")
	textPath := filepath.Join(outDir, base+".transcripts.txt")

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode transcripts: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", jsonPath, err)
	}

	var b strings.Builder
	for _, e := range result.Entries {
		fmt.Fprintf(&b, "%s: %s\n", e.FileName, e.Transcript)
	}
	if err := os.WriteFile(textPath, []byte(b.String()), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", textPath, err)
	}

	return jsonPath, textPath, nil
}

// runServe runs the job manager and HTTP API until ctx is canceled
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.HTTP.Enabled {
		return errors.New("http is disabled in configuration, nothing to serve")
	}

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	transcriber, client, err := buildTranscriber(cfg, logger, appMetrics)
	if err != nil {
		return err
	}

	var store *storage.Store
	if cfg.Storage.Database != "" {
		store, err = storage.Open(cfg.Storage.Database)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("Job store opened", slog.String("database", cfg.Storage.Database))
	}

	jobMgr, err := jobs.NewManager(transcriber, store, logger, appMetrics, jobs.Config{
		QueueSize: cfg.Jobs.QueueSize,
		Retention: cfg.Jobs.GetRetention(),
	})
	if err != nil {
		return fmt.Errorf("failed to create job manager: %w", err)
	}

	httpServer := server.NewHTTPServer(server.Config{
		Address:           cfg.HTTP.Address,
		Port:              cfg.HTTP.Port,
		MaxUploadBytes:    cfg.HTTP.GetMaxUploadBytes(),
		DefaultCredential: cfg.Transcription.APIKey,
	}, jobMgr, client, logger, appMetrics)

	if err := httpServer.Start(); err != nil {
		jobMgr.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Bool("default_credential", client.HasCredential()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new uploads)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Cancel running jobs and wait for the worker
	jobMgr.Stop()

	stats := client.GetStats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
	)

	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
