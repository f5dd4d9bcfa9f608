package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmrtc/llmrtc/pkg/provider"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// History is the slice of the session the engine needs: the prompt, the
// capped message window, and append access for the tool loop's
// intermediate messages.
type History interface {
	SystemPrompt() string
	Messages() []types.Message
	AppendAssistant(types.Message)
	AppendTool(types.Message)
}

// Emitter receives the engine's turn events in emission order. The turn
// orchestrator implements it against its outbound event channel.
type Emitter interface {
	ToolCallStart(name, callID string, args map[string]any)
	ToolCallEnd(callID string, result any, errMsg string, duration time.Duration)
	StageChange(from, to, reason string)

	// Chunk receives streamed text deltas of the spoken response.
	Chunk(text string)
}

// Config assembles an Engine. Playbook, LLM and History are required.
type Config struct {
	Playbook *Playbook
	Registry *ToolRegistry
	LLM      llm.Provider
	History  History
	Logger   *slog.Logger

	// MaxToolCallsPerTurn bounds tool-loop iterations. Default: 10.
	MaxToolCallsPerTurn int

	// PhaseTimeout bounds the whole tool loop. Default: 60s.
	PhaseTimeout time.Duration

	// CallTimeout bounds a single LLM call. Default: 30s.
	CallTimeout time.Duration

	Retry provider.RetryPolicy
}

// Engine drives one session's playbook: it tracks the current stage and
// its turn counter, runs the LLM with stage-scoped prompt and tools, and
// evaluates transitions after each turn. One Engine per session; RunTurn
// is serialized by the session (one active turn at a time).
type Engine struct {
	pb       *Playbook
	registry *ToolRegistry
	llm      llm.Provider
	history  History
	logger   *slog.Logger

	maxToolCalls int
	phaseTimeout time.Duration
	callTimeout  time.Duration
	retry        provider.RetryPolicy

	mu        sync.Mutex
	stageID   string
	turnCount int
}

// turnScratch accumulates the per-turn signals transition evaluation needs.
type turnScratch struct {
	requestedTarget string // via the playbook_transition pseudo-tool
	requestedReason string
	toolResults     []any
}

// NewEngine validates the playbook and creates an engine positioned at the
// initial stage.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Playbook == nil {
		return nil, fmt.Errorf("playbook: engine requires a playbook")
	}
	if err := cfg.Playbook.Validate(); err != nil {
		return nil, err
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("playbook: engine requires an LLM provider")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("playbook: engine requires a history")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewToolRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = 10
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 60 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &Engine{
		pb:           cfg.Playbook,
		registry:     cfg.Registry,
		llm:          cfg.LLM,
		history:      cfg.History,
		logger:       cfg.Logger,
		maxToolCalls: cfg.MaxToolCallsPerTurn,
		phaseTimeout: cfg.PhaseTimeout,
		callTimeout:  cfg.CallTimeout,
		retry:        cfg.Retry,
		stageID:      cfg.Playbook.Initial,
	}, nil
}

// Stage returns the current stage ID.
func (e *Engine) Stage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stageID
}

// StageKeywords returns the keyword vocabulary of every transition leaving
// the current stage. Callers use it to bias speech recognition toward the
// words that can move the conversation forward.
func (e *Engine) StageKeywords() []string {
	e.mu.Lock()
	stageID := e.stageID
	e.mu.Unlock()

	var keywords []string
	for _, t := range e.pb.candidates(stageID) {
		keywords = append(keywords, t.Keywords...)
	}
	return keywords
}

// RunTurn executes the LLM step of one turn under the current stage and
// returns the final spoken text. Tool-call, stage-change and streamed text
// events are delivered through em as they happen. Intermediate tool-loop
// messages are appended to the history by the engine; the final assistant
// message is the caller's to append.
func (e *Engine) RunTurn(ctx context.Context, em Emitter) (string, error) {
	e.mu.Lock()
	stage, ok := e.pb.StageByID(e.stageID)
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("playbook: current stage %q no longer exists", e.stageID)
	}
	e.turnCount++
	count := e.turnCount
	e.mu.Unlock()

	sys := e.history.SystemPrompt()
	if stage.Prompt != "" {
		sys = strings.TrimSpace(sys + "\n\n" + stage.Prompt)
	}
	tools := e.registry.Definitions(stage.Tools)
	if e.hasLLMDecisionTransition(stage.ID) {
		tools = append(tools, transitionToolDefinition())
	}

	scratch := &turnScratch{}
	var (
		full string
		err  error
	)
	switch {
	case stage.IsTwoPhase() && len(tools) > 0:
		if err = e.toolLoop(ctx, sys, tools, scratch, em); err == nil {
			full, _, err = e.streamOnce(ctx, sys, nil, em)
		}
	case stage.IsTwoPhase():
		full, _, err = e.streamOnce(ctx, sys, nil, em)
	default:
		full, err = e.streamLoop(ctx, sys, tools, scratch, em)
	}
	if err != nil {
		return "", err
	}

	e.evaluateTransitions(stage, full, scratch, count, em)
	return full, nil
}

// toolLoop is phase 1: non-streaming completions whose tool calls are
// executed and fed back, until the model answers without tools or a budget
// runs out. Nothing it produces is spoken.
func (e *Engine) toolLoop(ctx context.Context, sys string, tools []llm.ToolDefinition, scratch *turnScratch, em Emitter) error {
	pctx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()

	for i := 0; i < e.maxToolCalls; i++ {
		var resp *llm.CompletionResponse
		err := e.retry.Do(pctx, func(c context.Context) error {
			cctx, ccancel := context.WithTimeout(c, e.callTimeout)
			defer ccancel()
			r, err := e.llm.Complete(cctx, llm.CompletionRequest{
				SystemPrompt: sys,
				Messages:     e.history.Messages(),
				Tools:        tools,
				ToolChoice:   llm.ToolChoiceAuto,
			})
			resp = r
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) && pctx.Err() != nil {
				// The loop deadline is a soft bound: fall through to the
				// spoken phase with whatever tool results accumulated.
				e.logger.Warn("playbook tool loop deadline reached", "iterations", i)
				return nil
			}
			return fmt.Errorf("playbook: tool loop completion: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			return nil
		}

		e.history.AppendAssistant(types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, msg := range e.executeToolCalls(ctx, resp.ToolCalls, scratch, em) {
			e.history.AppendTool(msg)
		}
	}

	e.logger.Warn("playbook tool call budget exhausted", "max", e.maxToolCalls)
	return nil
}

// streamLoop is the single-phase mode: streaming completions whose text is
// spoken as it arrives and whose tool calls are executed between rounds.
func (e *Engine) streamLoop(ctx context.Context, sys string, tools []llm.ToolDefinition, scratch *turnScratch, em Emitter) (string, error) {
	var full string
	for i := 0; i < e.maxToolCalls; i++ {
		text, calls, err := e.streamOnce(ctx, sys, tools, em)
		if err != nil {
			return "", err
		}
		full = text
		if len(calls) == 0 {
			return full, nil
		}

		e.history.AppendAssistant(types.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: calls,
		})
		for _, msg := range e.executeToolCalls(ctx, calls, scratch, em) {
			e.history.AppendTool(msg)
		}
	}
	e.logger.Warn("playbook tool call budget exhausted", "max", e.maxToolCalls)
	return full, nil
}

// streamOnce runs one streaming completion, forwarding text deltas to the
// emitter and collecting any tool calls.
func (e *Engine) streamOnce(ctx context.Context, sys string, tools []llm.ToolDefinition, em Emitter) (string, []types.ToolCall, error) {
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	var ch <-chan llm.Chunk
	err := e.retry.Do(cctx, func(c context.Context) error {
		var err error
		ch, err = e.llm.StreamCompletion(c, llm.CompletionRequest{
			SystemPrompt: sys,
			Messages:     e.history.Messages(),
			Tools:        tools,
			ToolChoice:   llm.ToolChoiceAuto,
		})
		return err
	})
	if err != nil {
		return "", nil, fmt.Errorf("playbook: start completion stream: %w", err)
	}

	var (
		buf   strings.Builder
		calls []types.ToolCall
	)
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			return "", nil, fmt.Errorf("playbook: completion stream failed")
		}
		if chunk.Text != "" {
			buf.WriteString(chunk.Text)
			em.Chunk(chunk.Text)
		}
		calls = append(calls, chunk.ToolCalls...)
	}
	if err := cctx.Err(); err != nil {
		// The stream was cut by cancellation or the call deadline.
		return "", nil, err
	}
	return buf.String(), calls, nil
}

// executeToolCalls runs the turn's tool calls in order, emitting start/end
// events and returning one tool-role message per call. Individual tool
// failures do not abort the turn; the error string becomes the result the
// model sees.
func (e *Engine) executeToolCalls(ctx context.Context, calls []types.ToolCall, scratch *turnScratch, em Emitter) []types.Message {
	msgs := make([]types.Message, 0, len(calls))
	for _, tc := range calls {
		callID := tc.ID
		if callID == "" {
			callID = uuid.NewString()
		}

		args := map[string]any{}
		var argErr error
		if tc.Arguments != "" {
			argErr = json.Unmarshal([]byte(tc.Arguments), &args)
		}
		em.ToolCallStart(tc.Name, callID, args)

		start := time.Now()
		var (
			result any
			err    error
		)
		switch {
		case argErr != nil:
			err = fmt.Errorf("invalid arguments: %v", argErr)
		case tc.Name == TransitionToolName:
			result, err = e.handleTransitionCall(args, scratch)
		default:
			tool, ok := e.registry.Lookup(tc.Name)
			if !ok {
				err = fmt.Errorf("tool %q is not registered", tc.Name)
			} else {
				result, err = tool.Handler(ctx, args)
			}
		}
		elapsed := time.Since(start)

		var content string
		if err != nil {
			em.ToolCallEnd(callID, nil, err.Error(), elapsed)
			content = marshalToolContent(map[string]any{"error": err.Error()})
			e.logger.Warn("tool call failed", "tool", tc.Name, "error", err)
		} else {
			em.ToolCallEnd(callID, result, "", elapsed)
			scratch.toolResults = append(scratch.toolResults, result)
			content = marshalToolContent(result)
		}

		msgs = append(msgs, types.Message{
			Role:       "tool",
			ToolName:   tc.Name,
			ToolCallID: callID,
			Content:    content,
		})
	}
	return msgs
}

// handleTransitionCall records the model's transition request for
// evaluation after the turn.
func (e *Engine) handleTransitionCall(args map[string]any, scratch *turnScratch) (any, error) {
	target, _ := args["target"].(string)
	if target == "" {
		return nil, fmt.Errorf("missing target stage")
	}
	if _, ok := e.pb.StageByID(target); !ok {
		return nil, fmt.Errorf("unknown stage %q", target)
	}
	reason, _ := args["reason"].(string)
	scratch.requestedTarget = target
	scratch.requestedReason = reason
	return map[string]any{"status": "acknowledged", "target": target}, nil
}

// evaluateTransitions selects and applies the highest-priority satisfied
// transition, if any.
func (e *Engine) evaluateTransitions(stage Stage, responseText string, scratch *turnScratch, turnCount int, em Emitter) {
	for _, t := range e.pb.candidates(stage.ID) {
		if !e.satisfied(t, stage, responseText, scratch, turnCount) {
			continue
		}
		em.StageChange(stage.ID, t.To, string(t.Condition))
		e.logger.Info("playbook stage transition",
			"from", stage.ID, "to", t.To, "reason", t.Condition)
		e.mu.Lock()
		e.stageID = t.To
		e.turnCount = 0
		e.mu.Unlock()
		return
	}
}

func (e *Engine) satisfied(t Transition, stage Stage, responseText string, scratch *turnScratch, turnCount int) bool {
	switch t.Condition {
	case ConditionKeyword:
		lower := strings.ToLower(responseText)
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	case ConditionLLMDecision:
		return scratch.requestedTarget == t.To
	case ConditionToolResult:
		for _, res := range scratch.toolResults {
			if m, ok := res.(map[string]any); ok {
				if target, ok := m[TransitionKey].(string); ok && target == t.To {
					return true
				}
			}
		}
		return false
	case ConditionMaxTurns:
		return stage.MaxTurns > 0 && turnCount >= stage.MaxTurns
	default:
		return false
	}
}

// hasLLMDecisionTransition reports whether the stage has an outgoing
// llm_decision transition, which is what warrants offering the
// playbook_transition pseudo-tool.
func (e *Engine) hasLLMDecisionTransition(stageID string) bool {
	for _, t := range e.pb.Transitions {
		if t.Condition == ConditionLLMDecision && (t.From == stageID || t.From == Wildcard) {
			return true
		}
	}
	return false
}

// marshalToolContent stringifies a tool result for the conversation
// history. Unserializable results degrade to fmt formatting.
func marshalToolContent(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
