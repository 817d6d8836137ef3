package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/whatsapp-transcriber/internal/archive"
	"github.com/skypro1111/whatsapp-transcriber/internal/audio"
	"github.com/skypro1111/whatsapp-transcriber/internal/metrics"
	"github.com/skypro1111/whatsapp-transcriber/internal/pipeline"
	"github.com/skypro1111/whatsapp-transcriber/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when no more jobs can be queued
	ErrQueueFull = errors.New("job queue is full")

	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("job manager stopped")

	// ErrNotFound is returned for unknown job ids
	ErrNotFound = errors.New("job not found")

	// ErrFinished is returned when canceling a job that already finished
	ErrFinished = errors.New("job already finished")
)

// Runner transcribes the attachments of one job
type Runner interface {
	TranscribeEach(ctx context.Context, attachments []archive.Attachment, credential string, progress audio.ProgressFunc, onEntry func(pipeline.Entry)) pipeline.Result
}

// Job is one export archive queued for transcription
type Job struct {
	ID           string
	SourceName   string
	ChatFile     string
	Status       storage.JobStatus
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	LastActivity time.Time

	// Progress reporting
	progress float64
	message  string

	attachments []archive.Attachment
	credential  string
	entries     []pipeline.Entry
	total       int
	err         string

	ctx    context.Context
	cancel context.CancelFunc

	// Thread safety
	mu sync.RWMutex
}

// JobInfo is a snapshot of a job for monitoring and APIs
type JobInfo struct {
	ID              string            `json:"job_id"`
	SourceName      string            `json:"source_name"`
	ChatFile        string            `json:"chat_file,omitempty"`
	Status          storage.JobStatus `json:"status"`
	Progress        float64           `json:"progress"`
	Message         string            `json:"message,omitempty"`
	AttachmentCount int               `json:"audio_files"`
	Completed       int               `json:"completed"`
	Failed          int               `json:"failed"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Config contains configuration for the job manager
type Config struct {
	// QueueSize bounds the number of jobs waiting for the worker
	QueueSize int

	// Retention is how long finished jobs stay in memory
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Manager runs submitted jobs one at a time on a single background worker
type Manager struct {
	jobs    map[string]*Job
	mu      sync.RWMutex
	logger  *slog.Logger
	runner  Runner
	store   *storage.Store
	metrics *metrics.Metrics
	config  Config

	queue chan *Job

	// Lifecycle management
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   bool
	workerWG  sync.WaitGroup
	cleanupWG sync.WaitGroup
}

// NewManager creates a job manager and starts its worker. store and m may be nil.
func NewManager(runner Runner, store *storage.Store, logger *slog.Logger, m *metrics.Metrics, config Config) (*Manager, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = 16
	}
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		jobs:    make(map[string]*Job),
		logger:  logger.With(slog.String("component", "jobs")),
		runner:  runner,
		store:   store,
		metrics: m,
		config:  config,
		queue:   make(chan *Job, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	mgr.workerWG.Add(1)
	go mgr.worker()

	mgr.cleanupWG.Add(1)
	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Submit queues the audio attachments of export for transcription
func (m *Manager) Submit(sourceName string, export *archive.Export, credential string) (JobInfo, error) {
	if export == nil {
		return JobInfo{}, fmt.Errorf("export cannot be nil")
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(m.ctx)

	job := &Job{
		ID:           uuid.NewString(),
		SourceName:   sourceName,
		ChatFile:     export.ChatFile,
		Status:       storage.StatusQueued,
		CreatedAt:    now,
		LastActivity: now,
		progress:     20,
		message:      "Identifying audio files...",
		attachments:  export.Audio,
		credential:   credential,
		total:        len(export.Audio),
		ctx:          ctx,
		cancel:       cancel,
	}

	if m.store != nil {
		err := m.store.CreateJob(context.Background(), storage.Job{
			ID:              job.ID,
			SourceName:      sourceName,
			Status:          storage.StatusQueued,
			CreatedAt:       now,
			AttachmentCount: job.total,
		})
		if err != nil {
			cancel()
			return JobInfo{}, fmt.Errorf("failed to persist job: %w", err)
		}
	}

	info := job.info()

	if err := m.enqueue(job); err != nil {
		cancel()
		if m.store != nil {
			if delErr := m.store.DeleteJob(context.Background(), job.ID); delErr != nil {
				m.logger.Warn("Failed to remove rejected job", slog.String("job_id", job.ID), slog.String("error", delErr.Error()))
			}
		}
		return JobInfo{}, err
	}

	m.logger.Info("Job queued",
		slog.String("job_id", job.ID),
		slog.String("source", sourceName),
		slog.String("chat_file", export.ChatFile),
		slog.Int("audio_files", job.total),
	)

	return info, nil
}

func (m *Manager) enqueue(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}

	select {
	case m.queue <- job:
	default:
		return ErrQueueFull
	}

	m.jobs[job.ID] = job
	return nil
}

// Get returns a snapshot of the job with the given id
func (m *Manager) Get(ctx context.Context, id string) (JobInfo, error) {
	m.mu.RLock()
	job, exists := m.jobs[id]
	m.mu.RUnlock()

	if exists {
		return job.info(), nil
	}

	if m.store != nil {
		stored, err := m.store.GetJob(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return JobInfo{}, ErrNotFound
		}
		if err != nil {
			return JobInfo{}, err
		}
		return storedInfo(*stored), nil
	}

	return JobInfo{}, ErrNotFound
}

// List returns up to limit jobs, newest first
func (m *Manager) List(ctx context.Context, limit int) ([]JobInfo, error) {
	if limit <= 0 {
		limit = 100
	}

	byID := make(map[string]JobInfo)

	m.mu.RLock()
	for id, job := range m.jobs {
		byID[id] = job.info()
	}
	m.mu.RUnlock()

	if m.store != nil {
		stored, err := m.store.ListJobs(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, job := range stored {
			if _, live := byID[job.ID]; !live {
				byID[job.ID] = storedInfo(job)
			}
		}
	}

	infos := make([]JobInfo, 0, len(byID))
	for _, info := range byID {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// Transcripts returns the transcripts produced so far for a job, in attachment order
func (m *Manager) Transcripts(ctx context.Context, id string) ([]storage.Transcript, error) {
	m.mu.RLock()
	job, exists := m.jobs[id]
	m.mu.RUnlock()

	if exists {
		job.mu.RLock()
		defer job.mu.RUnlock()

		transcripts := make([]storage.Transcript, 0, len(job.entries))
		for _, e := range job.entries {
			transcripts = append(transcripts, storage.Transcript{
				JobID:      job.ID,
				Position:   e.Position,
				FileName:   e.FileName,
				Transcript: e.Transcript,
				Failed:     e.Failed,
			})
		}
		return transcripts, nil
	}

	if m.store == nil {
		return nil, ErrNotFound
	}

	if _, err := m.store.GetJob(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m.store.ListTranscripts(ctx, id)
}

// Cancel stops a queued or running job. Attachments not yet processed get
// placeholder text.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	job, exists := m.jobs[id]
	m.mu.RUnlock()

	if !exists {
		return ErrNotFound
	}

	job.mu.Lock()
	status := job.Status
	if status == storage.StatusQueued {
		// The worker skips jobs that are no longer queued
		job.Status = storage.StatusCanceled
		job.err = "canceled before start"
		job.FinishedAt = time.Now()
		job.LastActivity = job.FinishedAt
		job.attachments = nil
		job.credential = ""
	}
	job.mu.Unlock()

	if status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, status, ErrFinished)
	}

	job.cancel()

	if status == storage.StatusQueued {
		if m.store != nil {
			if err := m.store.FinishJob(context.Background(), id, storage.StatusCanceled, "canceled before start"); err != nil {
				m.logger.Warn("Failed to persist job result", slog.String("job_id", id), slog.String("error", err.Error()))
			}
		}
		m.logger.Info("Queued job canceled", slog.String("job_id", id))
		return nil
	}

	m.logger.Info("Job cancellation requested", slog.String("job_id", id))
	return nil
}

// GetActiveJobCount returns the number of queued or running jobs
func (m *Manager) GetActiveJobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, job := range m.jobs {
		job.mu.RLock()
		if !job.Status.Terminal() {
			count++
		}
		job.mu.RUnlock()
	}
	return count
}

// Stop cancels pending work and waits for the worker to exit
func (m *Manager) Stop() {
	m.logger.Info("Stopping job manager...")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.queue)
	m.mu.Unlock()

	m.cancel()
	m.workerWG.Wait()
	m.cleanupWG.Wait()

	m.mu.RLock()
	remaining := len(m.jobs)
	m.mu.RUnlock()

	m.logger.Info("Job manager stopped", slog.Int("remaining_jobs", remaining))
}

// worker runs queued jobs one at a time
func (m *Manager) worker() {
	defer m.workerWG.Done()

	for job := range m.queue {
		m.runJob(job)
	}
}

// runJob transcribes every attachment of job and records the outcome
func (m *Manager) runJob(job *Job) {
	logger := m.logger.With(slog.String("job_id", job.ID))

	job.mu.Lock()
	if job.Status != storage.StatusQueued {
		job.mu.Unlock()
		return
	}
	if job.ctx.Err() != nil {
		job.mu.Unlock()
		m.finishJob(job, storage.StatusCanceled, "canceled before start")
		return
	}
	job.Status = storage.StatusRunning
	job.StartedAt = time.Now()
	job.LastActivity = job.StartedAt
	job.mu.Unlock()

	m.metrics.JobStarted()
	m.persistStatus(job.ID, storage.StatusRunning)

	logger.Info("Job started", slog.Int("audio_files", job.total))

	status := storage.StatusCompleted
	errMsg := ""

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic while processing job",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				status = storage.StatusFailed
				errMsg = fmt.Sprintf("worker panic: %v", r)
			}
		}()

		m.runner.TranscribeEach(job.ctx, job.attachments, job.credential, job.reportProgress, func(e pipeline.Entry) {
			job.mu.Lock()
			job.entries = append(job.entries, e)
			job.LastActivity = time.Now()
			job.mu.Unlock()

			if m.store != nil {
				err := m.store.SaveTranscript(context.Background(), storage.Transcript{
					JobID:      job.ID,
					Position:   e.Position,
					FileName:   e.FileName,
					Transcript: e.Transcript,
					Failed:     e.Failed,
				})
				if err != nil {
					logger.Warn("Failed to persist transcript", slog.String("file", e.FileName), slog.String("error", err.Error()))
				}
			}
		})
	}()

	if status == storage.StatusCompleted && job.ctx.Err() != nil {
		status = storage.StatusCanceled
		errMsg = job.ctx.Err().Error()
	}

	if status == storage.StatusCompleted {
		job.reportProgress(90, "Merging transcriptions with chat...")
		job.reportProgress(100, "Processing complete!")
	}

	m.metrics.JobFinished(string(status))
	m.finishJob(job, status, errMsg)
}

func (m *Manager) finishJob(job *Job, status storage.JobStatus, errMsg string) {
	// Persist first so the stored record is final once the job reads as finished
	if m.store != nil {
		if err := m.store.FinishJob(context.Background(), job.ID, status, errMsg); err != nil {
			m.logger.Warn("Failed to persist job result", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}

	job.mu.Lock()
	job.Status = status
	job.err = errMsg
	job.FinishedAt = time.Now()
	job.LastActivity = job.FinishedAt
	job.attachments = nil
	job.credential = ""
	completed, total := len(job.entries), job.total
	duration := job.FinishedAt.Sub(job.CreatedAt)
	job.mu.Unlock()

	job.cancel()

	m.logger.Info("Job finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("completed", completed),
		slog.Int("audio_files", total),
		slog.Duration("duration", duration),
	)
}

func (m *Manager) persistStatus(id string, status storage.JobStatus) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateJobStatus(context.Background(), id, status); err != nil {
		m.logger.Warn("Failed to persist job status", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}

// startCleanupRoutine periodically drops finished jobs from memory
func (m *Manager) startCleanupRoutine() {
	defer m.cleanupWG.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredJobs()
		}
	}
}

// cleanupExpiredJobs removes finished jobs that have been idle longer than Retention
func (m *Manager) cleanupExpiredJobs() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, job := range m.jobs {
		job.mu.RLock()
		if job.Status.Terminal() && now.Sub(job.LastActivity) > m.config.Retention {
			expired = append(expired, id)
		}
		job.mu.RUnlock()
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.mu.Lock()
	for _, id := range expired {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	m.logger.Info("Cleaned up finished jobs", slog.Int("expired_count", len(expired)))
}

func (j *Job) reportProgress(percent float64, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.progress = percent
	j.message = message
	j.LastActivity = time.Now()
}

// info returns a snapshot of the job
func (j *Job) info() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()

	info := JobInfo{
		ID:              j.ID,
		SourceName:      j.SourceName,
		ChatFile:        j.ChatFile,
		Status:          j.Status,
		Progress:        j.progress,
		Message:         j.message,
		AttachmentCount: j.total,
		Completed:       len(j.entries),
		CreatedAt:       j.CreatedAt,
		Error:           j.err,
	}

	for _, e := range j.entries {
		if e.Failed {
			info.Failed++
		}
	}

	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		info.StartedAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		info.FinishedAt = &t
	}

	return info
}

func storedInfo(job storage.Job) JobInfo {
	info := JobInfo{
		ID:              job.ID,
		SourceName:      job.SourceName,
		Status:          job.Status,
		AttachmentCount: job.AttachmentCount,
		CreatedAt:       job.CreatedAt,
		FinishedAt:      job.FinishedAt,
		Error:           job.Error,
	}
	if job.Status == storage.StatusCompleted {
		info.Progress = 100
	}
	return info
}
