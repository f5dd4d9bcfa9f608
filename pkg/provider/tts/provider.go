// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech API) and presents a uniform per-sentence interface. The turn
// pipeline calls Speak once per chunked sentence; providers that support
// incremental audio additionally implement [StreamingProvider], which the
// pipeline prefers and falls back from on error.
//
// Implementations must be safe for concurrent use; one provider instance is
// shared by all sessions in the process.
package tts

import "context"

// VoiceProfile describes a synthesis voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable voice label.
	Name string

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0].
	// Zero means the provider default.
	SpeedFactor float64
}

// Audio is the result of a one-shot synthesis call.
type Audio struct {
	// Data is the encoded or raw audio payload.
	Data []byte

	// Format names the payload encoding: "pcm", "mp3", "opus", or "wav".
	Format string

	// SampleRate is the sample rate of the payload in Hz when Format is
	// "pcm"; zero otherwise.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
//
// Speak must respect ctx cancellation so that barge-in aborts in-flight
// synthesis calls.
type Provider interface {
	// Speak synthesises a single sentence and returns the complete audio.
	Speak(ctx context.Context, text string, voice VoiceProfile) (Audio, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// StreamChunk is a single fragment emitted by a streaming synthesis call.
// Exactly one of Data or Err is set; a chunk with a non-nil Err is the last
// value on the channel.
type StreamChunk struct {
	// Data is an encoded audio fragment.
	Data []byte

	// Err reports a mid-stream synthesis failure. Receiving a chunk with
	// Err set means the stream is broken; callers fall back to Speak for
	// the same sentence.
	Err error
}

// StreamingProvider is implemented by TTS backends that can emit audio
// incrementally while a sentence is still being synthesised.
type StreamingProvider interface {
	Provider

	// SpeakStream synthesises a single sentence and returns a channel
	// emitting audio chunks as they become available. The channel is closed
	// by the implementation when synthesis completes, fails (after an Err
	// chunk), or ctx is cancelled. The returned error is non-nil only when
	// the stream cannot be started.
	SpeakStream(ctx context.Context, text string, voice VoiceProfile) (<-chan StreamChunk, error)
}
