// Package audio adapts decoded recordings to the transcription service's
// upload ceiling. It selects a processing plan from size and duration,
// resamples and mixes down to mono, normalizes and compresses levels, encodes
// PCM WAV at 8 or 16 bits, and partitions long recordings into bounded chunks.
package audio
