package transcription

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
)

// DefaultBaseURL is the OpenAI API root
const DefaultBaseURL = "https://api.openai.com/v1"

// Client uploads encoded audio to the speech-to-text endpoint. It performs a
// single request per call; retry policy belongs to the caller.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalBytes      uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	BaseURL       string
	APIKey        string // default credential when a batch supplies none
	Model         string
	Timeout       time.Duration
	MaxConcurrent int
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalBytes      uint64        `json:"total_bytes"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}

	if config.Model == "" {
		config.Model = openai.Whisper1
	}

	if config.Timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative, got %v", config.Timeout)
	}

	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger.With(slog.String("component", "transcription")),
	}, nil
}

// Transcribe uploads payload and returns the recognized text. credential
// overrides the configured API key when non-empty. Failures are returned as
// *TranscriptionError.
func (c *Client) Transcribe(ctx context.Context, payload audio.Payload, credential string) (string, error) {
	if credential == "" {
		credential = c.config.APIKey
	}
	if credential == "" {
		return "", ErrMissingCredential
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	startTime := time.Now()
	c.recordRequest(payload.Size())

	cfg := openai.DefaultConfig(credential)
	cfg.BaseURL = c.config.BaseURL
	cfg.HTTPClient = c.httpClient

	resp, err := openai.NewClientWithConfig(cfg).CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.config.Model,
		FilePath: payload.FileName,
		Reader:   bytes.NewReader(payload.Data),
	})
	if err != nil {
		c.recordFailure()

		te := newTranscriptionError(err)
		c.logger.Warn("Transcription request failed",
			slog.String("file", payload.FileName),
			slog.Int("size", payload.Size()),
			slog.Int("status", te.Status),
			slog.String("error", te.Message))
		return "", te
	}

	elapsed := time.Since(startTime)
	c.recordSuccess(elapsed)

	c.logger.Debug("Transcription request completed",
		slog.String("file", payload.FileName),
		slog.Int("size", payload.Size()),
		slog.Duration("elapsed", elapsed),
		slog.Int("text_length", len(resp.Text)))

	return resp.Text, nil
}

func (c *Client) recordRequest(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.totalBytes += uint64(size)
}

func (c *Client) recordSuccess(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successRequests++

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalBytes:      c.totalBytes,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// HasCredential reports whether a default API key is configured
func (c *Client) HasCredential() bool {
	return c.config.APIKey != ""
}

// Close waits for in-flight requests to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	c.httpClient.CloseIdleConnections()
	return nil
}
