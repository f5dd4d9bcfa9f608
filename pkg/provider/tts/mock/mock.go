// Package mock provides a test double for the tts.Provider and
// tts.StreamingProvider interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/tts"
)

// SpeakCall records a single invocation of Speak or SpeakStream.
type SpeakCall struct {
	// Text is the sentence passed to the call.
	Text string
	// Voice is the voice profile passed to the call.
	Voice tts.VoiceProfile
	// Streaming reports whether the call was SpeakStream.
	Streaming bool
}

// Provider is a mock implementation of tts.StreamingProvider.
// Zero values cause methods to return empty audio and nil errors.
type Provider struct {
	mu sync.Mutex

	// SpeakAudio is returned by every Speak call.
	SpeakAudio tts.Audio

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error

	// StreamChunks is the chunk sequence replayed by every SpeakStream call.
	StreamChunks []tts.StreamChunk

	// StreamErr, if non-nil, is returned by SpeakStream instead of a channel.
	StreamErr error

	// StreamErrOnCall, when > 0, makes only the n-th SpeakStream call
	// (1-based) emit a mid-stream error chunk after StreamChunks; other
	// calls succeed. Used to exercise the per-sentence fallback path.
	StreamErrOnCall int

	// StreamCallErr is the mid-stream error injected by StreamErrOnCall.
	StreamCallErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// Calls records every invocation in order.
	Calls []SpeakCall
}

var _ tts.StreamingProvider = (*Provider)(nil)

// Speak records the call and returns the configured audio or error.
func (p *Provider) Speak(_ context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SpeakCall{Text: text, Voice: voice})
	audio, err := p.SpeakAudio, p.SpeakErr
	p.mu.Unlock()

	if err != nil {
		return tts.Audio{}, err
	}
	return audio, nil
}

// SpeakStream records the call and replays the configured chunks.
func (p *Provider) SpeakStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan tts.StreamChunk, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SpeakCall{Text: text, Voice: voice, Streaming: true})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	streamCallNo := 0
	for _, c := range p.Calls {
		if c.Streaming {
			streamCallNo++
		}
	}
	injectErr := p.StreamErrOnCall > 0 && streamCallNo == p.StreamErrOnCall
	callErr := p.StreamCallErr
	chunks := make([]tts.StreamChunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan tts.StreamChunk, len(chunks)+1)
	go func() {
		defer close(ch)
		if injectErr {
			select {
			case ch <- tts.StreamChunk{Err: callErr}:
			case <-ctx.Done():
			}
			return
		}
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ListVoices returns the configured voice list.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// StreamCallCount returns how many SpeakStream calls were recorded.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Calls {
		if c.Streaming {
			n++
		}
	}
	return n
}

// SpokenSentences returns the Text of every recorded call in order.
func (p *Provider) SpokenSentences() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}
