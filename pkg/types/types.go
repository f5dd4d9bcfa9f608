// Package types defines the shared types used across all llmrtc packages.
//
// These types form the lingua franca between providers, the turn pipeline,
// the playbook engine, and the session layer. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting
// data structures live here to avoid circular imports.
package types

import "time"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Attachments holds image references attached to a user message.
	// Only populated on user messages carrying vision input.
	Attachments []Attachment

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolName is set when Role is "tool", naming the tool that produced
	// this result.
	ToolName string

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// Attachment is an image frame attached to a conversation turn.
// Camera and screen captures travel as attachments on the control channel;
// there are no video media tracks.
type Attachment struct {
	// Data is a base64 data URI ("data:image/jpeg;base64,...").
	Data string `json:"data"`

	// MimeType is the image MIME type (e.g., "image/jpeg").
	MimeType string `json:"mimeType"`

	// Alt is an optional textual description of the frame.
	Alt string `json:"alt,omitempty"`

	// Slot names the capture source ("camera" or "screen"). Empty defaults
	// to camera.
	Slot AttachmentSlot `json:"slot,omitempty"`
}

// AttachmentSlot identifies which capture source an attachment came from.
// A session keeps at most one pending attachment per slot; newer frames
// replace older ones until a turn consumes them.
type AttachmentSlot string

const (
	SlotCamera AttachmentSlot = "camera"
	SlotScreen AttachmentSlot = "screen"
)

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed utterance, when known.
	Duration time.Duration
}
