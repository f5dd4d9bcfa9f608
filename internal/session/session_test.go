package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFactory wires mock providers into an orchestrator bound to the
// session's history.
func testFactory(lp *llmmock.Provider) func(turn.History) (*turn.Orchestrator, error) {
	return func(h turn.History) (*turn.Orchestrator, error) {
		return turn.New(turn.Config{
			STT:     &sttmock.Provider{Transcript: types.Transcript{Text: "hello", IsFinal: true}},
			LLM:     lp,
			TTS:     &ttsmock.Provider{},
			History: h,
			Logger:  discardLogger(),
		})
	}
}

func testConfig(lp *llmmock.Provider) Config {
	return Config{
		SystemPrompt:        "You are a helpful assistant.",
		OrchestratorFactory: testFactory(lp),
		Logger:              discardLogger(),
	}
}

// drainTurn consumes a turn's event stream to completion and returns the
// events, failing the test if the stream does not close in time.
func drainTurn(t *testing.T, events <-chan turn.Event) []turn.Event {
	t.Helper()
	var out []turn.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("turn did not finish; got %d events", len(out))
		}
	}
}

func TestSession_HistoryCapKeepsMostRecent(t *testing.T) {
	t.Parallel()

	s, err := newSession("s1", testConfig(&llmmock.Provider{}))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	for i := 0; i < 12; i++ {
		s.AppendUser(types.Message{Role: "user", Content: fmt.Sprintf("msg-%d", i)})
	}

	msgs := s.Messages()
	if len(msgs) != DefaultHistoryLimit {
		t.Fatalf("history length: want %d, got %d", DefaultHistoryLimit, len(msgs))
	}
	if msgs[0].Content != "msg-4" || msgs[len(msgs)-1].Content != "msg-11" {
		t.Errorf("window: got %q .. %q", msgs[0].Content, msgs[len(msgs)-1].Content)
	}
	if s.SystemPrompt() != "You are a helpful assistant." {
		t.Errorf("system prompt changed: %q", s.SystemPrompt())
	}
}

func TestSession_AttachmentsConsumedOncePerTurn(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Noted."}}}
	s, err := newSession("s1", testConfig(lp))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	s.SetAttachment(types.SlotCamera, types.Attachment{Data: "stale", MimeType: "image/jpeg"})
	s.SetAttachment(types.SlotCamera, types.Attachment{Data: "fresh", MimeType: "image/jpeg"})
	s.SetAttachment(types.SlotScreen, types.Attachment{Data: "screen", MimeType: "image/png"})

	drainTurn(t, s.RunTurn(context.Background(), []byte{0x01}))

	msgs := s.Messages()
	if len(msgs) == 0 || msgs[0].Role != "user" {
		t.Fatalf("want user message first, got %+v", msgs)
	}
	atts := msgs[0].Attachments
	if len(atts) != 2 || atts[0].Data != "fresh" || atts[1].Data != "screen" {
		t.Fatalf("attachments: want latest camera then screen, got %+v", atts)
	}

	// The slots are empty now; the next turn carries no attachments.
	drainTurn(t, s.RunTurn(context.Background(), []byte{0x02}))
	msgs = s.Messages()
	var users []types.Message
	for _, m := range msgs {
		if m.Role == "user" {
			users = append(users, m)
		}
	}
	if len(users) != 2 {
		t.Fatalf("want 2 user messages, got %d", len(users))
	}
	if len(users[1].Attachments) != 0 {
		t.Errorf("second turn attachments: want none, got %+v", users[1].Attachments)
	}
}

func TestSession_NewTurnCancelsPrevious(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	lp := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Fine."}},
		Block: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}
	s, err := newSession("s1", testConfig(lp))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	first := s.RunTurn(context.Background(), []byte{0x01})
	firstDone := make(chan []turn.Event, 1)
	go func() {
		var evs []turn.Event
		for ev := range first {
			evs = append(evs, ev)
		}
		firstDone <- evs
	}()

	// Give the first turn time to park inside the LLM call.
	time.Sleep(50 * time.Millisecond)
	second := s.RunTurn(context.Background(), []byte{0x02})

	select {
	case evs := <-firstDone:
		if len(evs) == 0 {
			t.Fatal("first turn produced no events")
		}
		if _, ok := evs[len(evs)-1].(turn.TTSCancelled); !ok {
			t.Errorf("first turn terminal: want TTSCancelled, got %T", evs[len(evs)-1])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first turn did not terminate after being superseded")
	}

	evs := drainTurn(t, second)
	if len(evs) == 0 {
		t.Fatal("second turn produced no events")
	}
	if _, ok := evs[len(evs)-1].(turn.TTSComplete); !ok {
		t.Errorf("second turn terminal: want TTSComplete, got %T", evs[len(evs)-1])
	}
}

func TestSession_CancelTurnIdempotent(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Done."}}}
	s, err := newSession("s1", testConfig(lp))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	// Cancelling with no active turn is a no-op.
	s.CancelTurn()
	s.CancelTurn()

	drainTurn(t, s.RunTurn(context.Background(), []byte{0x01}))
	if s.TurnActive() {
		t.Error("turn token still held after completion")
	}
	s.CancelTurn()
}

func TestSession_RunTurnRefreshesActivity(t *testing.T) {
	t.Parallel()

	lp := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi."}}}
	s, err := newSession("s1", testConfig(lp))
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	before := s.LastActivity()
	time.Sleep(10 * time.Millisecond)
	drainTurn(t, s.RunTurn(context.Background(), []byte{0x01}))
	if !s.LastActivity().After(before) {
		t.Error("last activity not refreshed by turn")
	}
}

func TestManager_CreateAndLookup(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerConfig{
		Session: testConfig(&llmmock.Provider{}),
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	s, err := m.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("want generated id")
	}

	got, ok := m.Lookup(s.ID())
	if !ok || got != s {
		t.Fatalf("Lookup: want same session, got %v/%v", got, ok)
	}
	if _, ok := m.Lookup("nope"); ok {
		t.Error("Lookup of unknown id succeeded")
	}
	if m.Count() != 1 {
		t.Errorf("Count: want 1, got %d", m.Count())
	}
}

func TestManager_DuplicateIDRejected(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerConfig{
		Session: testConfig(&llmmock.Provider{}),
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, err := m.Create("dup"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create("dup"); err == nil {
		t.Fatal("want error for duplicate id")
	}
}

func TestManager_ExpiredSessionNotReturned(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerConfig{
		Session: testConfig(&llmmock.Provider{}),
		TTL:     20 * time.Millisecond,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	s, err := m.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := m.Lookup(s.ID()); ok {
		t.Fatal("expired session returned by Lookup")
	}
	if m.Count() != 0 {
		t.Errorf("Count after expiry: want 0, got %d", m.Count())
	}
}

func TestManager_LookupRefreshesTTL(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerConfig{
		Session: testConfig(&llmmock.Provider{}),
		TTL:     80 * time.Millisecond,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	s, err := m.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		if _, ok := m.Lookup(s.ID()); !ok {
			t.Fatalf("session expired despite activity (round %d)", i)
		}
	}
}

func TestManager_RemoveAndClose(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerConfig{
		Session: testConfig(&llmmock.Provider{}),
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s1, _ := m.Create("a")
	if _, err := m.Create("b"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.Remove(s1.ID())
	if _, ok := m.Lookup("a"); ok {
		t.Error("removed session still found")
	}
	if m.Count() != 1 {
		t.Errorf("Count after Remove: want 1, got %d", m.Count())
	}

	m.Close()
	if m.Count() != 0 {
		t.Errorf("Count after Close: want 0, got %d", m.Count())
	}
	m.Close()
}
