// Package vad provides energy-based voice activity analysis of decoded audio
// chunks, used to log how much speech each chunk carries and optionally skip
// silent chunks before upload.
package vad
