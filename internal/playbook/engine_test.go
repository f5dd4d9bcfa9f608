package playbook_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// memHistory is an uncapped in-memory playbook.History.
type memHistory struct {
	mu     sync.Mutex
	system string
	msgs   []types.Message
}

func (h *memHistory) SystemPrompt() string { return h.system }

func (h *memHistory) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *memHistory) AppendAssistant(m types.Message) { h.append(m) }
func (h *memHistory) AppendTool(m types.Message)      { h.append(m) }

func (h *memHistory) append(m types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
}

type toolEnd struct {
	callID string
	result any
	errMsg string
}

// recordEmitter captures the engine's event callbacks.
type recordEmitter struct {
	mu     sync.Mutex
	starts []string
	ends   []toolEnd
	stages []string // "from->to:reason"
	chunks []string
}

func (r *recordEmitter) ToolCallStart(name, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, name)
}

func (r *recordEmitter) ToolCallEnd(callID string, result any, errMsg string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, toolEnd{callID: callID, result: result, errMsg: errMsg})
}

func (r *recordEmitter) StageChange(from, to, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, from+"->"+to+":"+reason)
}

func (r *recordEmitter) Chunk(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, text)
}

func twoStagePlaybook(transitions ...playbook.Transition) *playbook.Playbook {
	return &playbook.Playbook{
		Initial: "greeting",
		Stages: []playbook.Stage{
			{ID: "greeting", Prompt: "Greet the caller."},
			{ID: "main", Prompt: "Help the caller."},
		},
		Transitions: transitions,
	}
}

func newEngine(t *testing.T, cfg playbook.Config) *playbook.Engine {
	t.Helper()
	e, err := playbook.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEngine_TwoPhaseToolLoop(t *testing.T) {
	t.Parallel()

	reg := playbook.NewToolRegistry()
	if err := reg.Register(playbook.Tool{
		Name:        "get_weather",
		Description: "Current weather for a city.",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			if args["city"] != "Tokyo" {
				t.Errorf("handler args: got %v", args)
			}
			return map[string]any{"temp": 22, "condition": "cloudy"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pb := twoStagePlaybook()
	pb.Stages[0].Tools = []string{"get_weather"}

	llmP := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []types.ToolCall{{
				ID: "call-1", Name: "get_weather", Arguments: `{"city":"Tokyo"}`,
			}}, StopReason: "tool_calls"},
			{Content: "", StopReason: "stop"},
		},
		StreamChunks: []llm.Chunk{
			{Text: "It's 22 and cloudy in Tokyo."},
			{FinishReason: "stop"},
		},
	}
	hist := &memHistory{system: "You are a voice agent."}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, Registry: reg, LLM: llmP, History: hist})
	full, err := e.RunTurn(context.Background(), em)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if full != "It's 22 and cloudy in Tokyo." {
		t.Errorf("full text: got %q", full)
	}

	// Phase 1: two non-streaming rounds; phase 2: one streaming call
	// without tools.
	if len(llmP.CompleteCalls) != 2 {
		t.Fatalf("complete calls: want 2, got %d", len(llmP.CompleteCalls))
	}
	if got := llmP.CompleteCalls[0].Req.Tools; len(got) != 1 || got[0].Name != "get_weather" {
		t.Errorf("phase 1 tools: got %+v", got)
	}
	if !strings.Contains(llmP.CompleteCalls[0].Req.SystemPrompt, "Greet the caller.") {
		t.Errorf("stage prompt missing from system prompt: %q", llmP.CompleteCalls[0].Req.SystemPrompt)
	}
	if len(llmP.StreamCalls) != 1 || len(llmP.StreamCalls[0].Req.Tools) != 0 {
		t.Errorf("phase 2: want one tool-free streaming call, got %+v", llmP.StreamCalls)
	}

	if len(em.starts) != 1 || em.starts[0] != "get_weather" {
		t.Errorf("tool starts: got %v", em.starts)
	}
	if len(em.ends) != 1 || em.ends[0].errMsg != "" || em.ends[0].callID != "call-1" {
		t.Errorf("tool ends: got %+v", em.ends)
	}
	if len(em.chunks) != 1 {
		t.Errorf("chunks: got %v", em.chunks)
	}

	// History carries the tool-use step: assistant(tool calls) + tool result.
	msgs := hist.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history: want 2 messages, got %+v", msgs)
	}
	if msgs[0].Role != "assistant" || len(msgs[0].ToolCalls) != 1 {
		t.Errorf("first message: got %+v", msgs[0])
	}
	if msgs[1].Role != "tool" || msgs[1].ToolName != "get_weather" ||
		msgs[1].ToolCallID != "call-1" || !strings.Contains(msgs[1].Content, "cloudy") {
		t.Errorf("tool message: got %+v", msgs[1])
	}
}

func TestEngine_ToolFailureContinuesTurn(t *testing.T) {
	t.Parallel()

	reg := playbook.NewToolRegistry()
	if err := reg.Register(playbook.Tool{
		Name: "flaky",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("upstream unavailable")
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pb := twoStagePlaybook()
	pb.Stages[0].Tools = []string{"flaky"}

	llmP := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "flaky", Arguments: `{}`}}},
			{StopReason: "stop"},
		},
		StreamChunks: []llm.Chunk{{Text: "Sorry, I could not check."}, {FinishReason: "stop"}},
	}
	hist := &memHistory{}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, Registry: reg, LLM: llmP, History: hist})
	full, err := e.RunTurn(context.Background(), em)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if full != "Sorry, I could not check." {
		t.Errorf("full text: got %q", full)
	}
	if len(em.ends) != 1 || em.ends[0].errMsg != "upstream unavailable" {
		t.Errorf("tool end: want error string, got %+v", em.ends)
	}
	// The error becomes the tool result the model sees.
	msgs := hist.Messages()
	if len(msgs) != 2 || !strings.Contains(msgs[1].Content, "upstream unavailable") {
		t.Errorf("tool message: got %+v", msgs)
	}
}

func TestEngine_KeywordTransition(t *testing.T) {
	t.Parallel()

	pb := twoStagePlaybook(playbook.Transition{
		From: "greeting", To: "main",
		Condition: playbook.ConditionKeyword,
		Keywords:  []string{"help", "assist"},
	})
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "I can help."}, {FinishReason: "stop"}},
	}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, LLM: llmP, History: &memHistory{}})
	if _, err := e.RunTurn(context.Background(), em); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(em.stages) != 1 || em.stages[0] != "greeting->main:keyword" {
		t.Fatalf("stage changes: got %v", em.stages)
	}
	if e.Stage() != "main" {
		t.Errorf("stage: want main, got %q", e.Stage())
	}
}

func TestEngine_LLMDecisionTransition(t *testing.T) {
	t.Parallel()

	pb := twoStagePlaybook(playbook.Transition{
		From: "greeting", To: "main",
		Condition: playbook.ConditionLLMDecision,
	})
	llmP := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []types.ToolCall{{
				ID: "call-1", Name: playbook.TransitionToolName,
				Arguments: `{"target":"main","reason":"caller needs help"}`,
			}}},
			{StopReason: "stop"},
		},
		StreamChunks: []llm.Chunk{{Text: "Let's get started."}, {FinishReason: "stop"}},
	}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, LLM: llmP, History: &memHistory{}})
	if _, err := e.RunTurn(context.Background(), em); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// The pseudo-tool was offered because of the llm_decision transition.
	if got := llmP.CompleteCalls[0].Req.Tools; len(got) != 1 || got[0].Name != playbook.TransitionToolName {
		t.Fatalf("offered tools: got %+v", got)
	}
	if len(em.ends) != 1 || em.ends[0].errMsg != "" {
		t.Fatalf("pseudo-tool end: got %+v", em.ends)
	}
	if len(em.stages) != 1 || em.stages[0] != "greeting->main:llm_decision" {
		t.Fatalf("stage changes: got %v", em.stages)
	}
	if e.Stage() != "main" {
		t.Errorf("stage: want main, got %q", e.Stage())
	}
}

func TestEngine_TransitionToUnknownStageRejected(t *testing.T) {
	t.Parallel()

	pb := twoStagePlaybook(playbook.Transition{
		From: "greeting", To: "main",
		Condition: playbook.ConditionLLMDecision,
	})
	llmP := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []types.ToolCall{{
				ID: "call-1", Name: playbook.TransitionToolName,
				Arguments: `{"target":"nonexistent"}`,
			}}},
			{StopReason: "stop"},
		},
		StreamChunks: []llm.Chunk{{Text: "Hm."}, {FinishReason: "stop"}},
	}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, LLM: llmP, History: &memHistory{}})
	if _, err := e.RunTurn(context.Background(), em); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(em.ends) != 1 || em.ends[0].errMsg == "" {
		t.Fatalf("want pseudo-tool error for unknown stage, got %+v", em.ends)
	}
	if len(em.stages) != 0 {
		t.Errorf("no transition expected, got %v", em.stages)
	}
	if e.Stage() != "greeting" {
		t.Errorf("stage: want greeting, got %q", e.Stage())
	}
}

func TestEngine_ToolResultTransition(t *testing.T) {
	t.Parallel()

	reg := playbook.NewToolRegistry()
	if err := reg.Register(playbook.Tool{
		Name: "router",
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{playbook.TransitionKey: "main", "note": "escalate"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pb := twoStagePlaybook(playbook.Transition{
		From: "greeting", To: "main",
		Condition: playbook.ConditionToolResult,
	})
	pb.Stages[0].Tools = []string{"router"}

	llmP := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "router", Arguments: `{}`}}},
			{StopReason: "stop"},
		},
		StreamChunks: []llm.Chunk{{Text: "Transferring you now."}, {FinishReason: "stop"}},
	}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, Registry: reg, LLM: llmP, History: &memHistory{}})
	if _, err := e.RunTurn(context.Background(), em); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(em.stages) != 1 || em.stages[0] != "greeting->main:tool_result" {
		t.Fatalf("stage changes: got %v", em.stages)
	}
}

func TestEngine_MaxTurnsTransition(t *testing.T) {
	t.Parallel()

	pb := twoStagePlaybook(playbook.Transition{
		From: "greeting", To: "main",
		Condition: playbook.ConditionMaxTurns,
	})
	pb.Stages[0].MaxTurns = 2

	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Okay."}, {FinishReason: "stop"}},
	}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, LLM: llmP, History: &memHistory{}})
	if _, err := e.RunTurn(context.Background(), em); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if len(em.stages) != 0 {
		t.Fatalf("turn 1: no transition expected, got %v", em.stages)
	}
	if _, err := e.RunTurn(context.Background(), em); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if len(em.stages) != 1 || em.stages[0] != "greeting->main:max_turns" {
		t.Fatalf("turn 2: want max_turns transition, got %v", em.stages)
	}
	if e.Stage() != "main" {
		t.Errorf("stage: want main, got %q", e.Stage())
	}
}

func TestEngine_TransitionPriorityAndDeclarationOrder(t *testing.T) {
	t.Parallel()

	pb := &playbook.Playbook{
		Initial: "greeting",
		Stages: []playbook.Stage{
			{ID: "greeting"}, {ID: "low"}, {ID: "high"}, {ID: "first"},
		},
		Transitions: []playbook.Transition{
			{From: "greeting", To: "low", Condition: playbook.ConditionKeyword,
				Keywords: []string{"yes"}, Priority: 1},
			{From: "greeting", To: "high", Condition: playbook.ConditionKeyword,
				Keywords: []string{"yes"}, Priority: 5},
			{From: "greeting", To: "first", Condition: playbook.ConditionKeyword,
				Keywords: []string{"yes"}, Priority: 5},
		},
	}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Yes, absolutely."}, {FinishReason: "stop"}},
	}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, LLM: llmP, History: &memHistory{}})
	if _, err := e.RunTurn(context.Background(), em); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	// Priority 5 beats 1; between the two priority-5 transitions the one
	// declared earlier wins.
	if e.Stage() != "high" {
		t.Errorf("stage: want high, got %q", e.Stage())
	}
}

func TestEngine_SinglePhaseStreamingWithTools(t *testing.T) {
	t.Parallel()

	reg := playbook.NewToolRegistry()
	if err := reg.Register(playbook.Tool{
		Name: "lookup",
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"status": "found"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	twoPhase := false
	pb := twoStagePlaybook()
	pb.Stages[0].Tools = []string{"lookup"}
	pb.Stages[0].TwoPhase = &twoPhase

	llmP := &llmmock.Provider{
		StreamScript: [][]llm.Chunk{
			{
				{Text: "Let me check."},
				{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{}`}},
					FinishReason: "tool_calls"},
			},
			{
				{Text: "Found it."},
				{FinishReason: "stop"},
			},
		},
	}
	em := &recordEmitter{}

	e := newEngine(t, playbook.Config{Playbook: pb, Registry: reg, LLM: llmP, History: &memHistory{}})
	full, err := e.RunTurn(context.Background(), em)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if full != "Found it." {
		t.Errorf("full text: got %q", full)
	}
	if len(llmP.StreamCalls) != 2 {
		t.Errorf("stream calls: want 2, got %d", len(llmP.StreamCalls))
	}
	// Both rounds' text was forwarded as spoken chunks.
	if len(em.chunks) != 2 || em.chunks[0] != "Let me check." || em.chunks[1] != "Found it." {
		t.Errorf("chunks: got %v", em.chunks)
	}
	if len(em.starts) != 1 || em.starts[0] != "lookup" {
		t.Errorf("tool starts: got %v", em.starts)
	}
}
