// Package openai provides text-to-speech backed by the OpenAI speech API.
//
// The API returns complete audio per request, so only the one-shot
// [tts.Provider] contract is implemented; the pipeline falls back to it
// automatically when no streaming provider is configured.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/llmrtc/llmrtc/pkg/provider/tts"
)

const (
	defaultModel  = "gpt-4o-mini-tts"
	defaultVoice  = "alloy"
	defaultFormat = "pcm"

	// pcmSampleRate is the fixed rate of the API's raw PCM output.
	pcmSampleRate = 24000
)

var _ tts.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	model   string
	format  string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the speech model (e.g. "gpt-4o-mini-tts", "tts-1").
// Defaults to "gpt-4o-mini-tts".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithResponseFormat sets the audio output format ("pcm", "mp3", "opus",
// "wav"). Defaults to "pcm" (24 kHz 16-bit mono).
func WithResponseFormat(format string) Option {
	return func(c *config) { c.format = format }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider synthesises speech through the OpenAI speech API. Safe for
// concurrent use.
type Provider struct {
	client oai.Client
	model  string
	format string
}

// New constructs an OpenAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel, format: defaultFormat}
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

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		format: cfg.format,
	}, nil
}

// Speak synthesises one sentence and returns the complete audio. An empty
// voice.ID falls back to the "alloy" voice.
func (p *Provider) Speak(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = defaultVoice
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(p.format),
	}
	if voice.SpeedFactor > 0 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: speech synthesis: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: read audio: %w", err)
	}

	format, rate := decodeFormat(p.format)
	return tts.Audio{Data: data, Format: format, SampleRate: rate}, nil
}

// openaiVoices is the API's fixed voice catalogue; there is no listing
// endpoint.
var openaiVoices = []string{
	"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer",
}

// ListVoices returns the fixed set of voices the speech API offers.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	profiles := make([]tts.VoiceProfile, 0, len(openaiVoices))
	for _, v := range openaiVoices {
		profiles = append(profiles, tts.VoiceProfile{ID: v, Name: v})
	}
	return profiles, nil
}

// decodeFormat maps a response format name to the audio container and sample
// rate, e.g. "pcm" -> ("pcm", 24000).
func decodeFormat(format string) (string, int) {
	if format == "pcm" {
		return "pcm", pcmSampleRate
	}
	return format, 0
}
