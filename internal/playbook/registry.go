package playbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/llm"
)

// TransitionToolName is the reserved pseudo-tool injected into stages that
// have outgoing llm_decision transitions. Its handler is internal to the
// engine; registering a tool under this name is an error.
const TransitionToolName = "playbook_transition"

// TransitionKey is the magic field in a tool result that requests a
// tool_result transition to the named stage.
const TransitionKey = "__transition"

// Handler executes one tool invocation. The returned value must be
// JSON-serializable; it is stringified into the conversation history and
// sent to the client verbatim.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs an LLM-facing definition with its handler.
type Tool struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the tool's arguments object.
	Parameters map[string]any

	Handler Handler
}

// ToolRegistry holds the tools a playbook's stages may offer to the model.
// Safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names and the reserved transition tool
// name are rejected.
func (r *ToolRegistry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("playbook: tool with empty name")
	}
	if t.Name == TransitionToolName {
		return fmt.Errorf("playbook: tool name %q is reserved", TransitionToolName)
	}
	if t.Handler == nil {
		return fmt.Errorf("playbook: tool %q has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("playbook: tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Lookup returns the named tool.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions resolves the named tools into LLM tool definitions. Names not
// present in the registry are skipped.
func (r *ToolRegistry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// transitionToolDefinition is the LLM-facing schema of the pseudo-tool.
func transitionToolDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        TransitionToolName,
		Description: "Move the conversation to a different stage. Call this when the current stage's goal is met.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target": map[string]any{
					"type":        "string",
					"description": "ID of the stage to transition to.",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Short explanation of why the transition is appropriate.",
				},
			},
			"required": []any{"target"},
		},
	}
}
