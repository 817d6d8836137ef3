// Package decoder turns WhatsApp audio attachments into PCM buffers. A
// Registry dispatches by file extension to pure-Go decoders and falls back to
// an ffmpeg subprocess for everything else.
package decoder
