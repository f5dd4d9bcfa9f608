// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, or any
// backend reachable through any-llm-go) and exposes a uniform interface for
// the turn pipeline to perform completions without coupling to any specific
// SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"sort"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// ToolChoice constrains how the model may use the offered tools.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide whether to call tools.
	ToolChoiceAuto ToolChoice = "auto"

	// ToolChoiceNone forbids tool calls for this request.
	ToolChoiceNone ToolChoice = "none"
)

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation history. Providers without a dedicated system field
	// should prepend it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// ToolChoice constrains tool use. Empty means ToolChoiceAuto.
	ToolChoice ToolChoice

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the
	// provider default.
	MaxTokens int
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// Chunk is a single fragment emitted by a streaming completion.
// A single chunk may carry text, a finish signal, tool calls, or any
// combination thereof.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if
	// the chunk carries only ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped: "stop", "length", "tool_calls", or "" for non-final chunks.
	FinishReason string

	// ToolCalls contains any tool invocations the model is requesting,
	// fully accumulated by the provider before emission.
	ToolCalls []types.ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The
	// caller executes them and appends the results to the conversation.
	ToolCalls []types.ToolCall

	// StopReason indicates why generation stopped ("stop", "length",
	// "tool_calls").
	StopReason string
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible — this is what bounds barge-in latency.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Used by the playbook tool-call loop, where the response must be
	// inspected for tool calls before anything is spoken.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends req to the model and returns a read-only
	// channel that emits Chunk values as they arrive. The channel is closed
	// by the implementation when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a Chunk with
	// FinishReason "error"; the initial error return is non-nil only for
	// failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}

// ToolCallAccumulator reassembles tool calls from streamed fragments.
//
// Streaming chat APIs deliver tool calls as deltas: the first fragment for a
// stream index carries the call ID and function name, later fragments append
// pieces of the JSON arguments. A provider feeds every fragment in via Add
// and reads the assembled calls once the stream reports a finish reason.
// The zero value is ready to use. Not safe for concurrent use.
type ToolCallAccumulator struct {
	frags map[int]*types.ToolCall
}

// Add merges one fragment into the call at the given stream index. Empty
// id and name fields leave the previously seen values intact; args is always
// appended.
func (a *ToolCallAccumulator) Add(index int, id, name, args string) {
	if a.frags == nil {
		a.frags = make(map[int]*types.ToolCall)
	}
	call := a.frags[index]
	if call == nil {
		call = &types.ToolCall{}
		a.frags[index] = call
	}
	if id != "" {
		call.ID = id
	}
	if name != "" {
		call.Name = name
	}
	call.Arguments += args
}

// Pending reports whether any fragments have been accumulated.
func (a *ToolCallAccumulator) Pending() bool {
	return len(a.frags) > 0
}

// Calls returns the assembled tool calls in stream-index order, or nil when
// nothing was accumulated.
func (a *ToolCallAccumulator) Calls() []types.ToolCall {
	if len(a.frags) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.frags))
	for i := range a.frags {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]types.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, *a.frags[i])
	}
	return out
}
