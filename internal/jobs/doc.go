// Package jobs queues export archives for transcription and runs them on a
// single background worker, tracking progress and persisting results.
package jobs
