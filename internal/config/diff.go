package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (listen address, provider selection, media plane) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SystemPromptChanged means new sessions get the updated prompt; live
	// sessions keep the prompt they were created with.
	SystemPromptChanged bool

	// VoiceChanged covers the TTS voice profile.
	VoiceChanged bool

	// PipelineChanged covers sampling, timeout, retry, and keyword tuning.
	PipelineChanged bool

	// SegmenterChanged covers VAD hysteresis tuning. Applies to segmenters
	// created after the reload.
	SegmenterChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged ||
		d.PipelineChanged || d.SegmenterChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.SystemPrompt != new.Session.SystemPrompt {
		d.SystemPromptChanged = true
	}

	if old.Pipeline.Voice != new.Pipeline.Voice {
		d.VoiceChanged = true
	}

	if pipelineChanged(&old.Pipeline, &new.Pipeline) {
		d.PipelineChanged = true
	}

	if old.Segmenter != new.Segmenter {
		d.SegmenterChanged = true
	}

	return d
}

// pipelineChanged compares the tunable pipeline fields, ignoring the voice
// profile which is tracked separately.
func pipelineChanged(old, new *PipelineConfig) bool {
	switch {
	case old.Language != new.Language,
		!slices.Equal(old.Keywords, new.Keywords),
		old.CorrectTranscripts != new.CorrectTranscripts,
		old.Temperature != new.Temperature,
		old.MaxTokens != new.MaxTokens,
		old.STTTimeout != new.STTTimeout,
		old.LLMTimeout != new.LLMTimeout,
		old.TTSTimeout != new.TTSTimeout,
		old.RetryMaxRetries != new.RetryMaxRetries,
		old.RetryBaseDelay != new.RetryBaseDelay:
		return true
	}
	return false
}
