package transcription

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrMissingCredential is returned when neither the batch nor the client
// configuration supplies an API key
var ErrMissingCredential = errors.New("no API credential supplied")

// TranscriptionError reports a failed upload. Status is the HTTP status code,
// or 0 when the request never produced a response.
type TranscriptionError struct {
	Status  int
	Message string
	Err     error
}

func (e *TranscriptionError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("OpenAI API error: %d - %s", e.Status, e.Message)
	}
	return fmt.Sprintf("transcription request failed: %s", e.Message)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the request may succeed: transport
// failures, rate limiting and server errors
func (e *TranscriptionError) Retryable() bool {
	switch {
	case e.Status == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.Status == http.StatusTooManyRequests:
		return true
	default:
		return e.Status >= 500
	}
}

// IsRetryable reports whether err is a retryable TranscriptionError
func IsRetryable(err error) bool {
	var te *TranscriptionError
	return errors.As(err, &te) && te.Retryable()
}

// newTranscriptionError converts a go-openai error into a TranscriptionError,
// preferring the structured error message and falling back to the status text
func newTranscriptionError(err error) *TranscriptionError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = http.StatusText(apiErr.HTTPStatusCode)
		}
		return &TranscriptionError{Status: apiErr.HTTPStatusCode, Message: message, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &TranscriptionError{
			Status:  reqErr.HTTPStatusCode,
			Message: http.StatusText(reqErr.HTTPStatusCode),
			Err:     err,
		}
	}

	return &TranscriptionError{Message: err.Error(), Err: err}
}
