package pipeline

import (
	"errors"
	"fmt"
)

// ErrEncodingOverflow is returned when a single-pass encode still exceeds the
// upload ceiling. It is recovered by partitioning the original buffer.
var ErrEncodingOverflow = errors.New("encoded audio exceeds upload limit")

// DecodeError reports source bytes that could not be interpreted as audio
type DecodeError struct {
	FileName string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unable to decode audio: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Placeholder returns the text substituted for an attachment that could not be transcribed
func Placeholder(err error) string {
	return fmt.Sprintf("[Audio transcription failed: %s]", err.Error())
}

// chunkMarker returns the inline marker for a failed chunk
func chunkMarker(index int, err error) string {
	return fmt.Sprintf("[Error with part %d: %s]", index, err.Error())
}
