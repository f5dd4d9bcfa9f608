// Package segment turns a continuous PCM stream into discrete speech
// utterances using a pluggable VAD engine with hysteresis.
//
// The segmenter consumes audio frames at whatever rate the media transport
// negotiated (commonly 48 kHz), resamples them to the 16 kHz mono scoring
// rate, and scores fixed 512-sample windows through a [vad.SessionHandle].
// Two events come out: SpeechStart when the enter-hysteresis fires, and
// SpeechEnd carrying the WAV-framed utterance (including a short pre-roll)
// when the exit-hysteresis fires or the utterance cap is hit.
package segment

import (
	"fmt"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/pkg/audio"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

// Scoring parameters. The segmenter always scores at 16 kHz mono.
const (
	scoreRate     = 16000
	windowSamples = 512
	windowBytes   = windowSamples * 2
	windowDur     = time.Duration(windowSamples) * time.Second / scoreRate // 32 ms
)

// Default hysteresis and buffering parameters.
const (
	DefaultSpeechThreshold  = 0.5
	DefaultSilenceThreshold = 0.35
	DefaultEnterDuration    = 96 * time.Millisecond // 3 windows
	DefaultExitDuration     = 512 * time.Millisecond
	DefaultPreRoll          = 300 * time.Millisecond
	DefaultMaxUtterance     = 30 * time.Second
	DefaultMinUtterance     = 100 * time.Millisecond
)

// eventBuffer is the buffer depth of the event channel. Sized to absorb a
// start/end pair without blocking the scoring path.
const eventBuffer = 8

// EventType identifies a segmenter event.
type EventType int

const (
	// SpeechStart marks the enter-hysteresis firing. No payload.
	SpeechStart EventType = iota

	// SpeechEnd carries the completed utterance as WAV-framed 16 kHz mono
	// PCM, including the pre-roll.
	SpeechEnd
)

// Event is a segmenter output event.
type Event struct {
	Type EventType

	// WAV is the RIFF-framed utterance. Set only for SpeechEnd.
	WAV []byte

	// Duration is the utterance length after pre-roll trim accounting.
	// Set only for SpeechEnd.
	Duration time.Duration
}

// Config tunes the segmenter's hysteresis and buffering.
// Zero values take the package defaults.
type Config struct {
	// SpeechThreshold is the probability above which a window counts toward
	// the enter-hysteresis.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a window counts
	// toward the exit-hysteresis.
	SilenceThreshold float64

	// EnterDuration is the consecutive speech time required to fire
	// SpeechStart (≥ 90 ms recommended).
	EnterDuration time.Duration

	// ExitDuration is the consecutive silence time required to fire
	// SpeechEnd (≥ 500 ms recommended).
	ExitDuration time.Duration

	// PreRoll is the amount of audio preceding SpeechStart that is
	// prepended to the utterance.
	PreRoll time.Duration

	// MaxUtterance caps utterance length; reaching it forces a synthetic
	// SpeechEnd.
	MaxUtterance time.Duration

	// MinUtterance drops utterances with less speech than this after
	// pre-roll trim (no SpeechEnd is emitted for them).
	MinUtterance time.Duration
}

func (c *Config) applyDefaults() {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.EnterDuration == 0 {
		c.EnterDuration = DefaultEnterDuration
	}
	if c.ExitDuration == 0 {
		c.ExitDuration = DefaultExitDuration
	}
	if c.PreRoll == 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	if c.MinUtterance == 0 {
		c.MinUtterance = DefaultMinUtterance
	}
}

// state is the hysteresis state.
type state int

const (
	stateIdle state = iota
	stateSpeaking
)

// Segmenter segments one audio stream. Create one per connection with
// [New]; it is not safe for concurrent Push calls from multiple goroutines
// (the connection loop is the single producer).
type Segmenter struct {
	cfg     Config
	session vad.SessionHandle

	events chan Event

	// Scoring-path state. Guarded by mu only against Close; Push is
	// single-producer.
	mu          sync.Mutex
	closed      bool
	pending     []byte   // residual bytes shorter than one window
	preRoll     []byte   // ring of the last PreRoll worth of samples
	preRollMax  int      // preRoll capacity in bytes
	accumulator []byte   // active utterance, 16 kHz mono PCM
	st          state
	enterRun    time.Duration // consecutive speech time while idle
	exitRun     time.Duration // consecutive silence time while speaking
}

// New creates a Segmenter backed by a fresh VAD session from engine.
// A VAD session that cannot be created is fatal for the connection; the
// caller surfaces it as a VAD initialization error.
func New(engine vad.Engine, cfg Config) (*Segmenter, error) {
	cfg.applyDefaults()

	session, err := engine.NewSession(vad.Config{
		SampleRate:       scoreRate,
		WindowSamples:    windowSamples,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("segment: create vad session: %w", err)
	}

	return &Segmenter{
		cfg:        cfg,
		session:    session,
		events:     make(chan Event, eventBuffer),
		preRollMax: int(cfg.PreRoll.Seconds()*scoreRate) * 2,
	}, nil
}

// Events returns the segmenter's output channel. The channel is closed by
// [Segmenter.Close].
func (s *Segmenter) Events() <-chan Event {
	return s.events
}

// Push feeds one PCM frame into the segmenter. Frames at rates other than
// 16 kHz are resampled; stereo frames are downmixed first. Push may emit
// zero or more events on the Events channel before returning.
func (s *Segmenter) Push(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("segment: segmenter is closed")
	}
	if len(frame.Data) == 0 {
		return nil
	}
	if len(frame.Data)%2 != 0 {
		return fmt.Errorf("segment: odd PCM byte count %d", len(frame.Data))
	}

	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if frame.SampleRate != scoreRate {
		pcm = audio.ResampleMono16(pcm, frame.SampleRate, scoreRate)
	}

	s.pending = append(s.pending, pcm...)
	for len(s.pending) >= windowBytes {
		window := s.pending[:windowBytes]
		if err := s.scoreWindow(window); err != nil {
			return err
		}
		s.pending = s.pending[windowBytes:]
	}
	return nil
}

// Flush forces a synthetic SpeechEnd if an utterance is in progress, e.g.
// when the transport closes mid-speech.
func (s *Segmenter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.st != stateSpeaking {
		return
	}
	s.endUtterance()
}

// Close releases the VAD session and closes the event channel.
// Safe to call multiple times.
func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return s.session.Close()
}

// scoreWindow runs one 512-sample window through the VAD and advances the
// hysteresis state machine. Caller holds s.mu.
func (s *Segmenter) scoreWindow(window []byte) error {
	ev, err := s.session.ProcessFrame(window)
	if err != nil {
		return fmt.Errorf("segment: vad score: %w", err)
	}
	p := ev.Probability

	switch s.st {
	case stateIdle:
		s.pushPreRoll(window)
		if p > s.cfg.SpeechThreshold {
			s.enterRun += windowDur
			// Speech candidates accumulate so the utterance does not lose
			// its own leading windows; they are discarded again if the run
			// breaks before the hysteresis fires.
			s.accumulator = append(s.accumulator, window...)
			if s.enterRun >= s.cfg.EnterDuration {
				s.startUtterance()
			}
		} else {
			s.enterRun = 0
			s.accumulator = s.accumulator[:0]
		}

	case stateSpeaking:
		s.accumulator = append(s.accumulator, window...)
		if p < s.cfg.SilenceThreshold {
			s.exitRun += windowDur
			if s.exitRun >= s.cfg.ExitDuration {
				s.endUtterance()
				return nil
			}
		} else {
			s.exitRun = 0
		}
		if s.utteranceDuration() >= s.cfg.MaxUtterance {
			s.endUtterance()
		}
	}
	return nil
}

// startUtterance transitions IDLE→SPEAKING, prepending the pre-roll.
// Caller holds s.mu.
func (s *Segmenter) startUtterance() {
	// The tail of the pre-roll overlaps the enter-run windows already in
	// the accumulator; trim the overlap so samples are not duplicated.
	pre := s.preRoll
	if overlap := len(s.accumulator); overlap >= len(pre) {
		pre = nil
	} else {
		pre = pre[:len(pre)-overlap]
	}
	joined := make([]byte, 0, len(pre)+len(s.accumulator))
	joined = append(joined, pre...)
	joined = append(joined, s.accumulator...)
	s.accumulator = joined

	s.st = stateSpeaking
	s.enterRun = 0
	s.exitRun = 0
	s.events <- Event{Type: SpeechStart}
}

// endUtterance transitions SPEAKING→IDLE and emits SpeechEnd unless the
// utterance is below the minimum length. Caller holds s.mu.
func (s *Segmenter) endUtterance() {
	dur := s.utteranceDuration()
	speech := dur - s.cfg.PreRoll
	pcm := s.accumulator

	s.accumulator = nil
	s.preRoll = nil
	s.st = stateIdle
	s.enterRun = 0
	s.exitRun = 0
	s.session.Reset()

	if speech < s.cfg.MinUtterance {
		return
	}
	s.events <- Event{
		Type:     SpeechEnd,
		WAV:      audio.WrapWAV(pcm, scoreRate, 1),
		Duration: dur,
	}
}

// pushPreRoll appends a window to the pre-roll ring, evicting the oldest
// bytes beyond capacity. Caller holds s.mu.
func (s *Segmenter) pushPreRoll(window []byte) {
	s.preRoll = append(s.preRoll, window...)
	if excess := len(s.preRoll) - s.preRollMax; excess > 0 {
		s.preRoll = s.preRoll[excess:]
	}
}

// utteranceDuration returns the current accumulator length as a duration at
// the scoring rate. Caller holds s.mu.
func (s *Segmenter) utteranceDuration() time.Duration {
	samples := len(s.accumulator) / 2
	return time.Duration(samples) * time.Second / scoreRate
}
