// Package openai provides speech-to-text backed by the OpenAI audio
// transcription API.
//
// The API is a batch endpoint: each call transcribes one complete utterance,
// which matches the one-shot [stt.Provider] contract exactly.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/llmrtc/llmrtc/pkg/audio"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/types"
)

const (
	defaultModel      = "whisper-1"
	defaultSampleRate = 16000
)

var _ stt.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the transcription model (e.g. "whisper-1",
// "gpt-4o-mini-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider transcribes utterances through the OpenAI audio API. Safe for
// concurrent use.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs an OpenAI STT Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Transcribe submits one utterance for transcription. Bare PCM input is
// WAV-framed using cfg before upload. cfg.Keywords are passed as the
// decoder's prompt, which biases recognition toward that vocabulary.
func (p *Provider) Transcribe(ctx context.Context, audioData []byte, cfg stt.Config) (types.Transcript, error) {
	wav := ensureWAV(audioData, cfg)

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
	}
	if lang := baseLanguage(cfg.Language); lang != "" {
		params.Language = param.NewOpt(lang)
	}
	if len(cfg.Keywords) > 0 {
		params.Prompt = param.NewOpt(strings.Join(cfg.Keywords, ", "))
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("openai: transcription: %w", err)
	}

	return types.Transcript{Text: strings.TrimSpace(resp.Text), IsFinal: true}, nil
}

// baseLanguage reduces a BCP-47 tag to the ISO-639-1 code the API expects,
// e.g. "en-US" -> "en".
func baseLanguage(tag string) string {
	if tag == "" {
		return ""
	}
	base, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(base)
}

// ensureWAV passes RIFF data through unchanged and frames bare PCM using
// the request config.
func ensureWAV(data []byte, cfg stt.Config) []byte {
	if len(data) >= 4 && string(data[0:4]) == "RIFF" {
		return data
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	return audio.WrapWAV(data, rate, channels)
}
