package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/whatsapp-transcriber/internal/archive"
	"github.com/skypro1111/whatsapp-transcriber/internal/jobs"
	"github.com/skypro1111/whatsapp-transcriber/internal/metrics"
	"github.com/skypro1111/whatsapp-transcriber/internal/storage"
	"github.com/skypro1111/whatsapp-transcriber/internal/transcription"
)

// JobService is the job queue behind the API
type JobService interface {
	Submit(sourceName string, export *archive.Export, credential string) (jobs.JobInfo, error)
	Get(ctx context.Context, id string) (jobs.JobInfo, error)
	List(ctx context.Context, limit int) ([]jobs.JobInfo, error)
	Transcripts(ctx context.Context, id string) ([]storage.Transcript, error)
	Cancel(id string) error
	GetActiveJobCount() int
}

// StatsProvider reports transcription client statistics
type StatsProvider interface {
	GetStats() transcription.ClientStats
}

// Config contains HTTP server configuration
type Config struct {
	Address        string
	Port           int
	MaxUploadBytes int

	// DefaultCredential is used when a request carries none
	DefaultCredential string

	// Gatherer backs /metrics; nil means the default registry
	Gatherer prometheus.Gatherer
}

// HTTPServer provides the job API and monitoring endpoints
type HTTPServer struct {
	app     *fiber.App
	addr    string
	config  Config
	logger  *slog.Logger
	jobs    JobService
	stats   StatsProvider
	metrics *metrics.Metrics

	startTime time.Time
}

// apiError is returned by handlers and rendered as {"error", "code"}
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return e.message
}

func newAPIError(status int, code, message string) *apiError {
	return &apiError{status: status, code: code, message: message}
}

// NewHTTPServer creates the API server. stats and m may be nil.
func NewHTTPServer(cfg Config, jobService JobService, stats StatsProvider, logger *slog.Logger, m *metrics.Metrics) *HTTPServer {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 * 1024 * 1024
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		addr:      fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		config:    cfg,
		logger:    logger.With(slog.String("component", "http")),
		jobs:      jobService,
		stats:     stats,
		metrics:   m,
		startTime: time.Now(),
	}

	h.app = fiber.New(fiber.Config{
		BodyLimit:             cfg.MaxUploadBytes,
		ErrorHandler:          h.handleError,
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Minute,
		WriteTimeout:          time.Minute,
		IdleTimeout:           60 * time.Second,
	})

	h.setupRoutes()
	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	h.app.Use(recover.New())

	// Prometheus metrics endpoint (registered before the metrics middleware)
	h.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{})))

	h.app.Use(h.withMetrics)

	h.app.Get("/", h.handleRoot)
	h.app.Get("/health", h.handleHealth)
	h.app.Get("/stats", h.handleStats)

	h.app.Post("/jobs", h.handleSubmit)
	h.app.Get("/jobs", h.handleListJobs)
	h.app.Get("/jobs/:id", h.handleJob)
	h.app.Delete("/jobs/:id", h.handleCancel)
	h.app.Get("/jobs/:id/transcripts", h.handleTranscripts)
	h.app.Get("/jobs/:id/export", h.handleExport)
}

// withMetrics records request counts and latency per route
func (h *HTTPServer) withMetrics(c *fiber.Ctx) error {
	startTime := time.Now()

	err := c.Next()

	statusCode := c.Response().StatusCode()
	var apiErr *apiError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &apiErr):
		statusCode = apiErr.status
	case errors.As(err, &fiberErr):
		statusCode = fiberErr.Code
	case err != nil:
		statusCode = fiber.StatusInternalServerError
	}

	endpoint := c.Route().Path
	duration := time.Since(startTime).Seconds()
	h.metrics.RecordHTTPRequest(c.Method(), endpoint, strconv.Itoa(statusCode), duration)

	if statusCode >= 400 {
		errorType := "client_error"
		if statusCode >= 500 {
			errorType = "server_error"
		}
		h.metrics.RecordHTTPError(c.Method(), endpoint, errorType)
	}

	return err
}

// handleError renders every handler error as JSON
func (h *HTTPServer) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "ERR_INTERNAL"
	message := "Internal server error"

	var apiErr *apiError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &apiErr):
		status, code, message = apiErr.status, apiErr.code, apiErr.message
	case errors.As(err, &fiberErr):
		status, message = fiberErr.Code, fiberErr.Message
		switch status {
		case fiber.StatusNotFound:
			code = "ERR_NOT_FOUND"
		case fiber.StatusRequestEntityTooLarge:
			code = "ERR_FILE_TOO_LARGE"
		case fiber.StatusMethodNotAllowed:
			code = "ERR_METHOD_NOT_ALLOWED"
		default:
			code = "ERR_REQUEST"
		}
	}

	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}

	return c.Status(status).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server", slog.String("address", h.addr))

	go func() {
		if err := h.app.Listen(h.addr); err != nil {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.app.ShutdownWithContext(ctx)
}

// handleSubmit accepts an export zip and queues it for transcription
func (h *HTTPServer) handleSubmit(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return newAPIError(fiber.StatusBadRequest, "ERR_NO_FILE", "No file uploaded")
	}

	if file.Size > int64(h.config.MaxUploadBytes) {
		return newAPIError(fiber.StatusBadRequest, "ERR_FILE_TOO_LARGE",
			fmt.Sprintf("File too large (max %dMB)", h.config.MaxUploadBytes/(1024*1024)))
	}

	credential := requestCredential(c)
	if credential == "" {
		credential = h.config.DefaultCredential
	}
	if credential == "" {
		return newAPIError(fiber.StatusBadRequest, "ERR_NO_CREDENTIAL",
			"No transcription API key provided")
	}

	f, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	export, err := archive.Read(data)
	if err != nil {
		return newAPIError(fiber.StatusBadRequest, "ERR_INVALID_ARCHIVE", err.Error())
	}

	info, err := h.jobs.Submit(file.Filename, export, credential)
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		return newAPIError(fiber.StatusServiceUnavailable, "ERR_QUEUE_FULL", "Job queue is full, try again later")
	case errors.Is(err, jobs.ErrStopped):
		return newAPIError(fiber.StatusServiceUnavailable, "ERR_SHUTTING_DOWN", "Server is shutting down")
	case err != nil:
		return err
	}

	h.logger.Info("Export uploaded",
		slog.String("job_id", info.ID),
		slog.String("file", file.Filename),
		slog.Int64("size", file.Size),
		slog.Int("audio_files", info.AttachmentCount),
	)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":      info.ID,
		"status":      info.Status,
		"audio_files": info.AttachmentCount,
		"chat_file":   info.ChatFile,
	})
}

// requestCredential reads a bearer token or the api_key form field
func requestCredential(c *fiber.Ctx) string {
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.FormValue("api_key"))
}

// handleListJobs implements GET /jobs
func (h *HTTPServer) handleListJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 1000 {
		return newAPIError(fiber.StatusBadRequest, "ERR_INVALID_LIMIT", "limit must be between 1 and 1000")
	}

	infos, err := h.jobs.List(c.UserContext(), limit)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"total_jobs": len(infos),
		"timestamp":  time.Now().UTC(),
		"jobs":       infos,
	})
}

// handleJob implements GET /jobs/:id
func (h *HTTPServer) handleJob(c *fiber.Ctx) error {
	info, err := h.jobs.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return jobLookupError(err)
	}
	return c.JSON(info)
}

// handleCancel implements DELETE /jobs/:id
func (h *HTTPServer) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")

	err := h.jobs.Cancel(id)
	switch {
	case errors.Is(err, jobs.ErrFinished):
		return newAPIError(fiber.StatusConflict, "ERR_JOB_FINISHED", err.Error())
	case err != nil:
		return jobLookupError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":  id,
		"message": "Cancellation requested",
	})
}

// handleTranscripts implements GET /jobs/:id/transcripts
func (h *HTTPServer) handleTranscripts(c *fiber.Ctx) error {
	id := c.Params("id")

	transcripts, err := h.jobs.Transcripts(c.UserContext(), id)
	if err != nil {
		return jobLookupError(err)
	}

	byName := make(map[string]string, len(transcripts))
	failed := 0
	for _, t := range transcripts {
		byName[t.FileName] = t.Transcript
		if t.Failed {
			failed++
		}
	}

	return c.JSON(fiber.Map{
		"job_id":      id,
		"transcripts": byName,
		"entries":     transcripts,
		"failed":      failed,
	})
}

// handleExport implements GET /jobs/:id/export as one "<file>: <transcript>" line per attachment
func (h *HTTPServer) handleExport(c *fiber.Ctx) error {
	id := c.Params("id")

	transcripts, err := h.jobs.Transcripts(c.UserContext(), id)
	if err != nil {
		return jobLookupError(err)
	}

	var b strings.Builder
	for _, t := range transcripts {
		fmt.Fprintf(&b, "%s: %s\n", t.FileName, t.Transcript)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="transcripts-%s.txt"`, id))
	return c.SendString(b.String())
}

func jobLookupError(err error) error {
	if errors.Is(err, jobs.ErrNotFound) {
		return newAPIError(fiber.StatusNotFound, "ERR_JOB_NOT_FOUND", "Job not found")
	}
	return err
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(c *fiber.Ctx) error {
	components := fiber.Map{
		"jobs": fiber.Map{
			"status":      "running",
			"active_jobs": h.jobs.GetActiveJobCount(),
		},
	}

	if h.stats != nil {
		stats := h.stats.GetStats()
		components["transcription"] = fiber.Map{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": fiber.Map{
			"name":    "whatsapp-transcriber",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(c *fiber.Ctx) error {
	stats := fiber.Map{
		"uptime":      time.Since(h.startTime).String(),
		"timestamp":   time.Now().UTC(),
		"active_jobs": h.jobs.GetActiveJobCount(),
	}
	if h.stats != nil {
		stats["transcription"] = h.stats.GetStats()
	}
	return c.JSON(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "WhatsApp Export Transcriber",
		"version": "1.0.0",
		"endpoints": fiber.Map{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /stats":                 "Service statistics",
			"GET /metrics":               "Prometheus metrics",
			"POST /jobs":                 "Upload an export zip (multipart field 'file')",
			"GET /jobs":                  "List jobs, newest first",
			"GET /jobs/{id}":             "Job status and progress",
			"DELETE /jobs/{id}":          "Cancel a queued or running job",
			"GET /jobs/{id}/transcripts": "Transcripts by audio file name",
			"GET /jobs/{id}/export":      "Plain-text transcript listing",
		},
		"timestamp": time.Now().UTC(),
	})
}
