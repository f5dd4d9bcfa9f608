// Package audio provides the PCM frame type and the format conversion
// helpers shared by the media transport, the VAD segmenter, and the TTS
// playback path.
package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// pipeline. Frames are the atomic unit of audio transport — depacketized
// from the inbound media track, scored by the VAD, and played back through
// the reverse track.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 on the negotiated media track, 16000
	// for the VAD/STT path).
	SampleRate int

	// Channels: 1 for mono (VAD/STT input), 2 for stereo media frames.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
