// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts without a live
// STT backend. All fields must be set before first use; mutating them during
// a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Audio is the WAV payload passed to Transcribe.
	Audio []byte
	// Cfg is the configuration passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// Transcript is returned by every Transcribe call.
	Transcript types.Transcript

	// Err, if non-nil, is returned by Transcribe instead of Transcript.
	Err error

	// Delay, if set, is a function invoked before returning; use it to
	// block until ctx is cancelled in cancellation tests.
	Delay func(ctx context.Context) error

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured transcript or error.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg stt.Config) (types.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.Calls = append(p.Calls, TranscribeCall{Audio: cp, Cfg: cfg})
	delay := p.Delay
	tr, err := p.Transcript, p.Err
	p.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return types.Transcript{}, derr
		}
	}
	if err != nil {
		return types.Transcript{}, err
	}
	return tr, nil
}

// CallCount returns the number of recorded Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
