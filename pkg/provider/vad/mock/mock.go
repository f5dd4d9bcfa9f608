// Package mock provides test doubles for the vad.Engine and
// vad.SessionHandle interfaces.
//
// The mock session replays a scripted sequence of speech probabilities, one
// per ProcessFrame call, which makes hysteresis tests deterministic without
// a neural model.
package mock

import (
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine. Every NewSession call
// returns a Session replaying the configured probability script.
type Engine struct {
	mu sync.Mutex

	// Probabilities is the per-frame score script shared by new sessions.
	// Once exhausted, the last value repeats.
	Probabilities []float64

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// Sessions records every session created, in order.
	Sessions []*Session
}

var _ vad.Engine = (*Engine)(nil)

// NewSession creates a scripted session using the engine's probabilities.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	script := make([]float64, len(e.Probabilities))
	copy(script, e.Probabilities)
	s := &Session{cfg: cfg, script: script}
	e.Sessions = append(e.Sessions, s)
	return s, nil
}

// Session is a scripted vad.SessionHandle.
type Session struct {
	mu     sync.Mutex
	cfg    vad.Config
	script []float64
	pos    int
	closed bool

	// FrameCount is the number of ProcessFrame calls received.
	FrameCount int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame returns the next scripted probability, classified against the
// session's configured thresholds.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FrameCount++

	p := 0.0
	if len(s.script) > 0 {
		idx := s.pos
		if idx >= len(s.script) {
			idx = len(s.script) - 1
		}
		p = s.script[idx]
		s.pos++
	}

	ev := vad.VADEvent{Probability: p, Type: vad.VADSilence}
	if p >= s.cfg.SpeechThreshold {
		ev.Type = vad.VADSpeechContinue
	}
	return ev, nil
}

// Reset rewinds the probability script.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
}

// Close marks the session closed. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
