package decoder

import (
	"bytes"
	"fmt"
)

// OpusSampleRate is the output rate of every Opus decoder
const OpusSampleRate = 48000

var opusHeadMagic = []byte("OpusHead")

// OpusChannels reads the output channel count from the OpusHead
// identification packet at the start of an Ogg/Opus stream
func OpusChannels(data []byte) (int, error) {
	idx := bytes.Index(data, opusHeadMagic)
	if idx < 0 {
		return 0, fmt.Errorf("not an Ogg/Opus stream: OpusHead packet not found")
	}

	// magic(8) version(1) channels(1)
	if len(data) < idx+10 {
		return 0, fmt.Errorf("truncated OpusHead packet")
	}

	channels := int(data[idx+9])
	if channels == 0 {
		return 0, fmt.Errorf("invalid OpusHead channel count 0")
	}
	return channels, nil
}
