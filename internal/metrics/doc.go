// Package metrics defines the Prometheus metrics exported by the transcriber.
package metrics
