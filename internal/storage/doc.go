// Package storage persists batch jobs and per-attachment transcripts in SQLite.
package storage
