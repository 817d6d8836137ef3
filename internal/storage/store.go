package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job does not exist
var ErrNotFound = errors.New("not found")

// JobStatus is the lifecycle state of a batch job
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions happen from s
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Job is a persisted batch of attachments from one export archive
type Job struct {
	ID              string     `json:"id"`
	SourceName      string     `json:"source_name"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	AttachmentCount int        `json:"attachment_count"`
	Error           string     `json:"error,omitempty"`
}

// Transcript is the persisted text of one attachment of a job
type Transcript struct {
	JobID      string    `json:"job_id"`
	Position   int       `json:"position"`
	FileName   string    `json:"file_name"`
	Transcript string    `json:"transcript"`
	Failed     bool      `json:"failed"`
	CreatedAt  time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	source_name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	finished_at DATETIME,
	attachment_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS transcripts (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	file_name TEXT NOT NULL,
	transcript TEXT NOT NULL,
	failed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (job_id, position)
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Store persists jobs and transcripts in SQLite
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO jobs (id, source_name, status, created_at, attachment_count)
	VALUES (?, ?, ?, ?, ?)
	`, job.ID, job.SourceName, string(job.Status), job.CreatedAt.UTC(), job.AttachmentCount)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}

	return nil
}

// UpdateJobStatus sets the status of a job that has not finished
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status JobStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return requireRow(res, id)
}

// FinishJob records the terminal status of a job
func (s *Store) FinishJob(ctx context.Context, id string, status JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, finished_at = ?, error = ? WHERE id = ?
	`, string(status), time.Now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	return requireRow(res, id)
}

// SaveTranscript stores the transcript of one attachment, replacing any
// earlier one at the same position
func (s *Store) SaveTranscript(ctx context.Context, t Transcript) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO transcripts (job_id, position, file_name, transcript, failed, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, t.JobID, t.Position, t.FileName, t.Transcript, t.Failed, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save transcript %s/%d: %w", t.JobID, t.Position, err)
	}

	return nil
}

// GetJob retrieves a job by id
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, source_name, status, created_at, finished_at, attachment_count, error
	FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	return job, nil
}

// ListJobs returns the most recent jobs first
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, source_name, status, created_at, finished_at, attachment_count, error
	FROM jobs ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

// ListTranscripts returns the transcripts of a job in attachment order
func (s *Store) ListTranscripts(ctx context.Context, jobID string) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT job_id, position, file_name, transcript, failed, created_at
	FROM transcripts WHERE job_id = ? ORDER BY position
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	transcripts := make([]Transcript, 0)
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.JobID, &t.Position, &t.FileName, &t.Transcript, &t.Failed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		transcripts = append(transcripts, t)
	}

	return transcripts, rows.Err()
}

// DeleteJob removes a job and its transcripts
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete transcripts of job %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job        Job
		status     string
		finishedAt sql.NullTime
	)

	if err := row.Scan(&job.ID, &job.SourceName, &status, &job.CreatedAt, &finishedAt, &job.AttachmentCount, &job.Error); err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}

	return &job, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}
