// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., the OpenAI audio API
// or a local Whisper build) and exposes a uniform one-shot interface: the
// turn pipeline hands over a complete utterance as WAV-framed PCM and
// receives a final transcript. Providers that support incremental results
// may additionally implement [StreamingProvider].
//
// Implementations must be safe for concurrent use; one provider instance is
// shared by all sessions in the process.
package stt

import (
	"context"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Config describes the audio format and recognition hints for a
// transcription request.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The segmenter delivers
	// 16000 Hz mono utterances by default.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT backends). Implementors may downmix internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product or persona names.
	Keywords []string
}

// Provider is the abstraction over any STT backend.
//
// Transcribe must respect ctx cancellation: when the turn is cancelled by
// barge-in the in-flight HTTP call is aborted through ctx.
type Provider interface {
	// Transcribe converts a complete utterance to text. audio is WAV-framed
	// 16-bit PCM as produced by the segmenter. The returned transcript has
	// IsFinal set; an empty Text with a nil error means the provider heard
	// no speech.
	Transcribe(ctx context.Context, audio []byte, cfg Config) (types.Transcript, error)
}

// StreamingProvider is implemented by STT backends that can emit interim
// transcripts while audio is still being delivered. The turn pipeline uses
// it opportunistically; the one-shot path remains the contract of record.
type StreamingProvider interface {
	Provider

	// TranscribeStream opens an incremental transcription for the given
	// utterance and returns a channel of interim and final transcripts.
	// The channel is closed by the implementation when the final transcript
	// has been emitted or ctx is cancelled.
	TranscribeStream(ctx context.Context, audio []byte, cfg Config) (<-chan types.Transcript, error)
}
