package whisper

import "encoding/binary"

// monoSamples converts little-endian int16 PCM into the normalised float32
// mono samples whisper.cpp expects. Multi-channel input is down-mixed by
// averaging the channels of each frame; trailing bytes that do not form a
// whole frame are ignored.
func monoSamples(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			s := int16(binary.LittleEndian.Uint16(pcm[(i*channels+ch)*2:]))
			sum += float32(s) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}
