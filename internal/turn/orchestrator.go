// Package turn implements the per-utterance pipeline: STT, the LLM step
// (optionally wrapped by a playbook), sentence chunking and TTS, emitted as
// an ordered event stream with cooperative cancellation.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/transcript"
	"github.com/llmrtc/llmrtc/pkg/provider"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/types"
	"github.com/llmrtc/llmrtc/pkg/wire"
)

// eventBufferSize bounds the outbound event channel. A slow consumer
// eventually blocks the pipeline, which is the intended backpressure.
const eventBufferSize = 64

// History is the session-owned conversation state the orchestrator reads
// and appends to. Implementations enforce the history cap.
type History interface {
	SystemPrompt() string
	Messages() []types.Message
	AppendUser(types.Message)
	AppendAssistant(types.Message)
	AppendTool(types.Message)
}

// Observer receives per-stage timing. Used to feed metrics without the
// orchestrator depending on a metrics backend.
type Observer interface {
	StageCompleted(ctx context.Context, stage string, elapsed time.Duration, err error)
}

// Config assembles an Orchestrator. STT, LLM, TTS and History are required.
type Config struct {
	STT     stt.Provider
	LLM     llm.Provider
	TTS     tts.Provider
	History History

	// Playbook, when set, replaces the plain streaming LLM call with the
	// stage machine and its tool loop.
	Playbook *playbook.Engine

	Logger   *slog.Logger
	Observer Observer

	// STTConfig is passed to every Transcribe call.
	STTConfig stt.Config

	// Corrector, when set, realigns the transcript against the STT keyword
	// hints and the active stage's vocabulary before the text enters the
	// history. Nil disables correction.
	Corrector *transcript.Corrector

	// Voice selects the TTS voice.
	Voice tts.VoiceProfile

	// AudioFormat and SampleRate annotate streamed TTS chunks, whose
	// encoding is fixed by the provider's stream configuration.
	AudioFormat string
	SampleRate  int

	Temperature float64
	MaxTokens   int

	STTTimeout time.Duration // default 30s
	LLMTimeout time.Duration // default 30s, per call
	TTSTimeout time.Duration // default 15s, per sentence

	Retry provider.RetryPolicy
}

// Orchestrator runs turns for one session. At most one turn is active at a
// time; the session enforces this by cancelling the previous turn's
// context before starting the next.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, fmt.Errorf("turn: STT, LLM and TTS providers are required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("turn: history is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "pcm16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 30 * time.Second
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 30 * time.Second
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = 15 * time.Second
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}, nil
}

// RunTurn starts one turn over the WAV-framed utterance and returns its
// event stream. The channel is closed when the turn terminates; cancelling
// ctx is the barge-in path and yields a single TTSCancelled terminal.
func (o *Orchestrator) RunTurn(ctx context.Context, utterance []byte, attachments []types.Attachment) <-chan Event {
	out := make(chan Event, eventBufferSize)
	go func() {
		defer close(out)
		o.run(ctx, utterance, attachments, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, utterance []byte, attachments []types.Attachment, out chan<- Event) {
	turnID := uuid.NewString()
	log := o.logger.With("turn_id", turnID)

	// emit blocks until the consumer takes the event or the turn is
	// cancelled. A false return means the turn is over.
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// terminate delivers the terminal sentinel. The send must not be
	// dropped even when the buffer is full: the channel closes right
	// after run returns and the consumer drains to close, so blocking
	// here is safe and keeps the exactly-one-terminal guarantee.
	terminate := func(ev Event) {
		out <- ev
	}

	// STT.
	sttStart := time.Now()
	var heard types.Transcript
	err := o.cfg.Retry.Do(ctx, func(c context.Context) error {
		sctx, cancel := context.WithTimeout(c, o.cfg.STTTimeout)
		defer cancel()
		t, err := o.cfg.STT.Transcribe(sctx, utterance, o.cfg.STTConfig)
		heard = t
		return err
	})
	o.observe(ctx, "stt", time.Since(sttStart), err)
	if err != nil {
		if ctx.Err() != nil {
			terminate(TTSCancelled{})
			return
		}
		log.Error("transcription failed", "error", err)
		code := wire.CodeSTTError
		if errors.Is(err, context.DeadlineExceeded) {
			code = wire.CodeSTTTimeout
		}
		emit(Error{Code: code, Message: "speech transcription failed"})
		return
	}

	text := heard.Text
	if o.cfg.Corrector != nil {
		keywords := o.cfg.STTConfig.Keywords
		if o.cfg.Playbook != nil {
			keywords = append(append([]string(nil), keywords...), o.cfg.Playbook.StageKeywords()...)
		}
		corrected, corrections := o.cfg.Corrector.Correct(text, keywords)
		if len(corrections) > 0 {
			log.Debug("transcript corrected", "corrections", len(corrections))
			text = corrected
		}
	}

	o.cfg.History.AppendUser(types.Message{
		Role:        "user",
		Content:     text,
		Attachments: attachments,
	})
	if !emit(Transcript{Text: text, IsFinal: true}) {
		terminate(TTSCancelled{})
		return
	}
	log.Debug("transcript ready", "chars", len(text))

	// LLM, with sentence chunking riding along on the deltas.
	var (
		chunker   SentenceChunker
		sentences []string
		fullText  string
	)
	collect := func(delta string) bool {
		sentences = append(sentences, chunker.Feed(delta)...)
		return emit(LLMChunk{Content: delta})
	}

	llmStart := time.Now()
	if o.cfg.Playbook != nil {
		adapter := &playbookEmitter{emit: emit, collect: collect}
		fullText, err = o.cfg.Playbook.RunTurn(ctx, adapter)
	} else {
		fullText, err = o.streamLLM(ctx, collect)
	}
	o.observe(ctx, "llm", time.Since(llmStart), err)
	if err != nil {
		if ctx.Err() != nil {
			terminate(TTSCancelled{})
			return
		}
		log.Error("llm step failed", "error", err)
		code := wire.CodeLLMError
		if errors.Is(err, context.DeadlineExceeded) {
			code = wire.CodeLLMTimeout
		}
		emit(Error{Code: code, Message: "language model request failed"})
		return
	}

	if tail := chunker.Flush(); tail != "" {
		sentences = append(sentences, tail)
	}
	if !emit(LLMChunk{Done: true}) {
		terminate(TTSCancelled{})
		return
	}
	if strings.TrimSpace(fullText) == "" {
		// Nothing to speak; the done-chunk is the turn's last event.
		return
	}
	if !emit(LLMFull{Text: fullText}) {
		terminate(TTSCancelled{})
		return
	}
	o.cfg.History.AppendAssistant(types.Message{Role: "assistant", Content: fullText})

	// TTS, sentence by sentence. The assistant message is already in the
	// history, so cancellation from here on keeps it.
	if len(sentences) == 0 {
		return
	}
	if !emit(TTSStart{}) {
		terminate(TTSCancelled{})
		return
	}
	ttsStart := time.Now()
	for _, sentence := range sentences {
		if ctx.Err() != nil {
			terminate(TTSCancelled{})
			return
		}
		if err := o.speakSentence(ctx, sentence, emit); err != nil {
			if ctx.Err() != nil {
				o.observe(ctx, "tts", time.Since(ttsStart), err)
				terminate(TTSCancelled{})
				return
			}
			log.Warn("sentence synthesis failed, skipping", "error", err)
			code := wire.CodeTTSError
			if errors.Is(err, context.DeadlineExceeded) {
				code = wire.CodeTTSTimeout
			}
			if !emit(Error{Code: code, Message: "speech synthesis failed for a sentence"}) {
				terminate(TTSCancelled{})
				return
			}
		}
	}
	o.observe(ctx, "tts", time.Since(ttsStart), nil)

	if !emit(TTSComplete{}) {
		terminate(TTSCancelled{})
	}
}

// streamLLM is the playbook-free LLM step: one streaming completion whose
// deltas are forwarded through collect.
func (o *Orchestrator) streamLLM(ctx context.Context, collect func(string) bool) (string, error) {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	var ch <-chan llm.Chunk
	err := o.cfg.Retry.Do(lctx, func(c context.Context) error {
		var err error
		ch, err = o.cfg.LLM.StreamCompletion(c, llm.CompletionRequest{
			SystemPrompt: o.cfg.History.SystemPrompt(),
			Messages:     o.cfg.History.Messages(),
			Temperature:  o.cfg.Temperature,
			MaxTokens:    o.cfg.MaxTokens,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("turn: start completion stream: %w", err)
	}

	var buf strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			go drainChunks(ch)
			return "", fmt.Errorf("turn: completion stream failed")
		}
		if chunk.Text == "" {
			continue
		}
		buf.WriteString(chunk.Text)
		if !collect(chunk.Text) {
			go drainChunks(ch)
			return "", ctx.Err()
		}
	}
	if err := lctx.Err(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// speakSentence synthesizes one sentence, streaming when the provider
// supports it. A failed stream falls back to the one-shot call for the
// same sentence; only a failure of both surfaces as an error.
func (o *Orchestrator) speakSentence(ctx context.Context, sentence string, emit func(Event) bool) error {
	if streamer, ok := o.cfg.TTS.(tts.StreamingProvider); ok {
		done, err := o.speakStreaming(ctx, streamer, sentence, emit)
		if done {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("streaming synthesis failed, falling back to one-shot", "error", err)
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.TTSTimeout)
	defer cancel()
	audio, err := o.cfg.TTS.Speak(sctx, sentence, o.cfg.Voice)
	if err != nil {
		return fmt.Errorf("turn: synthesize sentence: %w", err)
	}
	if len(audio.Data) > 0 {
		if !emit(TTSChunk{PCM: audio.Data, Format: audio.Format, SampleRate: audio.SampleRate}) {
			return ctx.Err()
		}
	}
	return nil
}

// speakStreaming drives one streaming synthesis call. done=false means the
// caller should fall back to the one-shot path.
func (o *Orchestrator) speakStreaming(ctx context.Context, streamer tts.StreamingProvider, sentence string, emit func(Event) bool) (done bool, err error) {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.TTSTimeout)
	defer cancel()

	ch, err := streamer.SpeakStream(sctx, sentence, o.cfg.Voice)
	if err != nil {
		return false, err
	}
	for chunk := range ch {
		if chunk.Err != nil {
			return false, chunk.Err
		}
		if len(chunk.Data) == 0 {
			continue
		}
		if !emit(TTSChunk{PCM: chunk.Data, Format: o.cfg.AudioFormat, SampleRate: o.cfg.SampleRate}) {
			return true, ctx.Err()
		}
	}
	if err := sctx.Err(); err != nil {
		if ctx.Err() != nil {
			return true, err
		}
		// Per-sentence deadline: let the one-shot path try again.
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) observe(ctx context.Context, stage string, elapsed time.Duration, err error) {
	if o.cfg.Observer != nil {
		o.cfg.Observer.StageCompleted(ctx, stage, elapsed, err)
	}
}

// drainChunks discards the remainder of an abandoned stream so the
// provider's send goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// playbookEmitter adapts the playbook engine's event callbacks onto the
// turn's event channel.
type playbookEmitter struct {
	emit    func(Event) bool
	collect func(string) bool
}

var _ playbook.Emitter = (*playbookEmitter)(nil)

func (p *playbookEmitter) ToolCallStart(name, callID string, args map[string]any) {
	p.emit(ToolCallStart{Name: name, CallID: callID, Arguments: args})
}

func (p *playbookEmitter) ToolCallEnd(callID string, result any, errMsg string, duration time.Duration) {
	p.emit(ToolCallEnd{CallID: callID, Result: result, Err: errMsg, Duration: duration})
}

func (p *playbookEmitter) StageChange(from, to, reason string) {
	p.emit(StageChange{From: from, To: to, Reason: reason})
}

func (p *playbookEmitter) Chunk(text string) {
	p.collect(text)
}
