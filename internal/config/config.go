package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values
const (
	EnvAPIKey   = "OPENAI_API_KEY"
	EnvBaseURL  = "TRANSCRIBER_BASE_URL"
	EnvLogLevel = "TRANSCRIBER_LOG_LEVEL"
)

// Config represents the complete service configuration
type Config struct {
	Transcription TranscriptionConfig `yaml:"transcription"`
	Processing    ProcessingConfig    `yaml:"processing"`
	HTTP          HTTPConfig          `yaml:"http"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// TranscriptionConfig contains speech-to-text API configuration
type TranscriptionConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxConcurrent int     `yaml:"max_concurrent"`
	MaxRetries    int     `yaml:"max_retries"`
	RetryBackoff  float64 `yaml:"retry_backoff"` // seconds
}

// ProcessingConfig contains audio processing parameters
type ProcessingConfig struct {
	ChunkConcurrency int     `yaml:"chunk_concurrency"`
	SkipSilentChunks bool    `yaml:"skip_silent_chunks"`
	SilenceThreshold float32 `yaml:"silence_threshold"`
	FFmpegPath       string  `yaml:"ffmpeg_path"`
	FFprobePath      string  `yaml:"ffprobe_path"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port        int    `yaml:"port"`
	Address     string `yaml:"address"`
	Enabled     bool   `yaml:"enabled"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// JobsConfig contains background job queue configuration
type JobsConfig struct {
	QueueSize int `yaml:"queue_size"`
	Retention int `yaml:"retention"` // minutes
}

// StorageConfig contains persistence configuration
type StorageConfig struct {
	// Database is the SQLite file path; empty disables persistence
	Database string `yaml:"database"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file value is set
func Default() *Config {
	return &Config{
		Transcription: TranscriptionConfig{
			BaseURL:       "https://api.openai.com/v1",
			Model:         "whisper-1",
			Timeout:       300,
			MaxConcurrent: 4,
			MaxRetries:    0,
			RetryBackoff:  1,
		},
		Processing: ProcessingConfig{
			ChunkConcurrency: 1,
			SilenceThreshold: 0.02,
			FFmpegPath:       "ffmpeg",
		},
		HTTP: HTTPConfig{
			Port:        8080,
			Address:     "0.0.0.0",
			Enabled:     true,
			MaxUploadMB: 512,
		},
		Jobs: JobsConfig{
			QueueSize: 16,
			Retention: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file at path over the defaults, loads a .env
// file from the working directory if present, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadDotEnv sets variables from file that are not already in the environment
func loadDotEnv(file string) error {
	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
}

// ApplyEnv overrides file values with non-empty environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Transcription.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Transcription.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Processing.Validate(); err != nil {
		return fmt.Errorf("processing config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates transcription configuration. The API key is optional
// because callers may supply a credential per batch.
func (t *TranscriptionConfig) Validate() error {
	if t.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	u, err := url.Parse(t.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got '%s'", t.BaseURL)
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff cannot be negative, got %f", t.RetryBackoff)
	}

	return nil
}

// Validate validates processing configuration
func (p *ProcessingConfig) Validate() error {
	if p.ChunkConcurrency < 1 {
		return fmt.Errorf("chunk_concurrency must be at least 1, got %d", p.ChunkConcurrency)
	}

	if p.SilenceThreshold < 0 || p.SilenceThreshold > 1 {
		return fmt.Errorf("silence_threshold must be between 0 and 1, got %f", p.SilenceThreshold)
	}

	if p.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", h.MaxUploadMB)
	}

	return nil
}

// Validate validates job queue configuration
func (j *JobsConfig) Validate() error {
	if j.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", j.QueueSize)
	}

	if j.Retention < 1 {
		return fmt.Errorf("retention must be at least 1 minute, got %d", j.Retention)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetRetryBackoff returns the base retry backoff as a time.Duration
func (t *TranscriptionConfig) GetRetryBackoff() time.Duration {
	return time.Duration(t.RetryBackoff * float64(time.Second))
}

// GetMaxUploadBytes returns the HTTP upload limit in bytes
func (h *HTTPConfig) GetMaxUploadBytes() int {
	return h.MaxUploadMB * 1024 * 1024
}

// GetRetention returns how long finished jobs stay in memory
func (j *JobsConfig) GetRetention() time.Duration {
	return time.Duration(j.Retention) * time.Minute
}
