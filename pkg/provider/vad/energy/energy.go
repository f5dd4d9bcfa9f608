// Package energy provides an RMS-based vad.Engine that requires no model
// download. It scores each window by smoothed root-mean-square amplitude
// mapped onto [0, 1].
//
// The energy detector is a fallback for environments without a neural VAD;
// its probability curve is crude but its hysteresis behaviour through the
// segmenter is identical, which also makes it useful in integration tests.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

const (
	// defaultSmoothingAlpha is the exponential smoothing factor applied to
	// the per-window RMS before mapping it to a probability.
	defaultSmoothingAlpha = 0.3

	// defaultNoiseFloor is the RMS below which a window scores zero.
	defaultNoiseFloor = 0.01

	// maxExpectedRMS is the RMS that maps to probability 1.0. Typical voice
	// RMS on normalised audio is 0.05–0.3.
	maxExpectedRMS = 0.5
)

// Engine implements vad.Engine using RMS amplitude scoring.
type Engine struct {
	alpha      float64
	noiseFloor float64
}

var _ vad.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithSmoothing overrides the exponential smoothing factor (0 < a ≤ 1).
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) { e.alpha = alpha }
}

// WithNoiseFloor overrides the RMS noise floor below which windows score 0.
func WithNoiseFloor(floor float64) Option {
	return func(e *Engine) { e.noiseFloor = floor }
}

// New creates an RMS energy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		alpha:      defaultSmoothingAlpha,
		noiseFloor: defaultNoiseFloor,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.WindowSamples <= 0 {
		return nil, fmt.Errorf("energy: window samples must be positive, got %d", cfg.WindowSamples)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.2f exceeds speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{engine: e, cfg: cfg}, nil
}

// session is a per-stream RMS scoring session.
type session struct {
	engine *Engine
	cfg    vad.Config

	mu          sync.Mutex
	smoothedRMS float64
	inSpeech    bool
	closed      bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy: session is closed")
	}
	if len(frame) != s.cfg.WindowSamples*2 {
		return vad.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d",
			len(frame), s.cfg.WindowSamples*2)
	}

	rms := rms16(frame)
	s.smoothedRMS = s.engine.alpha*rms + (1-s.engine.alpha)*s.smoothedRMS
	p := s.probability(s.smoothedRMS)

	ev := vad.VADEvent{Probability: p}
	switch {
	case !s.inSpeech && p >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = vad.VADSpeechStart
	case s.inSpeech && p <= s.cfg.SilenceThreshold:
		s.inSpeech = false
		ev.Type = vad.VADSpeechEnd
	case s.inSpeech:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smoothedRMS = 0
	s.inSpeech = false
}

// Close implements vad.SessionHandle. Safe to call multiple times.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// probability maps a smoothed RMS value onto [0, 1] with a noise floor.
func (s *session) probability(rms float64) float64 {
	if rms <= s.engine.noiseFloor {
		return 0
	}
	p := (rms - s.engine.noiseFloor) / (maxExpectedRMS - s.engine.noiseFloor)
	if p > 1 {
		p = 1
	}
	return p
}

// rms16 computes the root-mean-square of 16-bit little-endian PCM samples,
// normalised to [0, 1].
func rms16(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		norm := float64(sample) / 32768.0
		sum += norm * norm
	}
	return math.Sqrt(sum / float64(n))
}
