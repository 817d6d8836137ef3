// Package pipeline orchestrates audio attachment transcription. Each
// attachment is uploaded as is, re-encoded in a single pass, or partitioned
// into chunks, and every failure is turned into placeholder text so that a
// batch always yields one transcript per attachment.
package pipeline
