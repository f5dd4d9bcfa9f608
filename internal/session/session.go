// Package session owns per-conversation state: the capped history, pending
// vision attachments, the active turn's cancellation handle, and the
// orchestrator bound to them. The manager maps session IDs to sessions and
// evicts idle ones.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// DefaultHistoryLimit caps the non-system messages kept per session.
const DefaultHistoryLimit = 8

// Config is the session prototype used by the manager: everything a new
// session needs except its identity.
type Config struct {
	// SystemPrompt is prepended to every LLM request and never counted
	// toward the history cap.
	SystemPrompt string

	// HistoryLimit caps the non-system history. Default:
	// DefaultHistoryLimit.
	HistoryLimit int

	// OrchestratorFactory builds the session's orchestrator around its
	// history. It is where providers and the playbook engine get bound.
	OrchestratorFactory func(h turn.History) (*turn.Orchestrator, error)

	Logger *slog.Logger
}

// Session is one conversation. It exclusively owns its history, pending
// attachments and the active turn; a connection borrows it by ID. At most
// one turn is active: starting a new turn cancels the previous one.
type Session struct {
	id     string
	system string
	limit  int
	logger *slog.Logger
	orch   *turn.Orchestrator

	mu           sync.Mutex
	history      []types.Message
	attachments  map[types.AttachmentSlot]types.Attachment
	active       *turnToken
	lastActivity time.Time
}

// turnToken identifies one turn; holding it means the turn may still be
// producing events.
type turnToken struct {
	cancel context.CancelFunc
}

var _ turn.History = (*Session)(nil)

func newSession(id string, cfg Config) (*Session, error) {
	if cfg.OrchestratorFactory == nil {
		return nil, fmt.Errorf("session: orchestrator factory is required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		id:           id,
		system:       cfg.SystemPrompt,
		limit:        cfg.HistoryLimit,
		logger:       cfg.Logger.With("session_id", id),
		attachments:  make(map[types.AttachmentSlot]types.Attachment),
		lastActivity: time.Now(),
	}
	orch, err := cfg.OrchestratorFactory(s)
	if err != nil {
		return nil, fmt.Errorf("session: build orchestrator: %w", err)
	}
	s.orch = orch
	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// SystemPrompt implements turn.History.
func (s *Session) SystemPrompt() string { return s.system }

// Messages returns a copy of the capped history window.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.history))
	copy(out, s.history)
	return out
}

// AppendUser implements turn.History.
func (s *Session) AppendUser(m types.Message) { s.append(m) }

// AppendAssistant implements turn.History.
func (s *Session) AppendAssistant(m types.Message) { s.append(m) }

// AppendTool implements turn.History.
func (s *Session) AppendTool(m types.Message) { s.append(m) }

// append adds a message and trims to the most recent limit entries. The
// system prompt lives outside the history, so the cap applies to the whole
// slice.
func (s *Session) append(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	if excess := len(s.history) - s.limit; excess > 0 {
		s.history = append(s.history[:0:0], s.history[excess:]...)
	}
}

// SetAttachment stages a frame for the next turn, replacing the slot's
// previous frame.
func (s *Session) SetAttachment(slot types.AttachmentSlot, att types.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[slot] = att
}

// RunTurn cancels any active turn, snapshots and clears the pending
// attachments, and starts a new turn over the utterance. The returned
// channel mirrors the orchestrator's event stream and refreshes the
// session's activity timestamp on every event.
func (s *Session) RunTurn(ctx context.Context, utterance []byte) <-chan turn.Event {
	tctx, cancel := context.WithCancel(ctx)
	tok := &turnToken{cancel: cancel}

	s.mu.Lock()
	if s.active != nil {
		s.active.cancel()
	}
	s.active = tok
	snapshot := s.snapshotAttachmentsLocked()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.logger.Debug("turn started", "utterance_bytes", len(utterance), "attachments", len(snapshot))

	events := s.orch.RunTurn(tctx, utterance, snapshot)
	out := make(chan turn.Event, 1)
	go func() {
		defer close(out)
		for ev := range events {
			s.Touch()
			out <- ev
		}
		// Drop the token only if a newer turn has not replaced it.
		s.mu.Lock()
		if s.active == tok {
			s.active = nil
		}
		s.mu.Unlock()
		cancel()
	}()
	return out
}

// CancelTurn cancels the active turn, if any. Idempotent; cancelling a
// completed turn is a no-op.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.cancel()
	}
}

// TurnActive reports whether a turn token is currently held.
func (s *Session) TurnActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Close cancels any active turn. The session is unusable afterwards only
// by convention; the manager stops handing it out.
func (s *Session) Close() {
	s.CancelTurn()
}

// snapshotAttachmentsLocked drains the pending slots in a stable order.
// Caller holds s.mu.
func (s *Session) snapshotAttachmentsLocked() []types.Attachment {
	if len(s.attachments) == 0 {
		return nil
	}
	var out []types.Attachment
	for _, slot := range []types.AttachmentSlot{types.SlotCamera, types.SlotScreen} {
		if att, ok := s.attachments[slot]; ok {
			out = append(out, att)
			delete(s.attachments, slot)
		}
	}
	return out
}
