// Package transcription uploads encoded audio to an OpenAI-compatible
// speech-to-text endpoint and assembles chunk fragments into one transcript.
// The client makes one request per call and bounds concurrent requests;
// retry policy is left to the caller.
package transcription
