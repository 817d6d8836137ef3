// Package server implements the HTTP API for submitting WhatsApp export archives,
// following their transcription jobs and downloading the results. It also serves
// health, statistics and Prometheus endpoints.
package server
