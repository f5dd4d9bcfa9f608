package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/health"
	"github.com/llmrtc/llmrtc/internal/server"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	vadmock "github.com/llmrtc/llmrtc/pkg/provider/vad/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
	"github.com/llmrtc/llmrtc/pkg/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testDeps struct {
	manager *session.Manager
	vad     *vadmock.Engine
}

// newTestServer spins up a websocket endpoint backed by mock providers.
// The VAD script covers one utterance: three windows of speech to pass the
// enter hysteresis, then silence.
func newTestServer(t *testing.T, cfg server.Config) (*httptest.Server, *testDeps) {
	t.Helper()

	if cfg.VAD == nil {
		cfg.VAD = &vadmock.Engine{
			Probabilities: []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.1},
		}
	}
	if cfg.Manager == nil {
		mgr, err := session.NewManager(session.ManagerConfig{
			Session: session.Config{
				SystemPrompt: "You are a helpful assistant.",
				OrchestratorFactory: func(h turn.History) (*turn.Orchestrator, error) {
					return turn.New(turn.Config{
						STT: &sttmock.Provider{
							Transcript: types.Transcript{Text: "What's the weather in Tokyo?", IsFinal: true},
						},
						LLM: &llmmock.Provider{
							StreamChunks: []llm.Chunk{{Text: "It is sunny in Tokyo."}},
						},
						TTS: &ttsmock.Provider{
							StreamChunks: []tts.StreamChunk{{Data: []byte{0x01, 0x02}}},
						},
						History: h,
						Logger:  discardLogger(),
					})
				},
				Logger: discardLogger(),
			},
			Logger: discardLogger(),
		})
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		cfg.Manager = mgr
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}

	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cfg.Manager.Close()
	})
	return ts, &testDeps{manager: cfg.Manager, vad: cfg.VAD.(*vadmock.Engine)}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readControl(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type: want text, got %v", typ)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func sendControl(t *testing.T, ws *websocket.Conn, msg wire.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandshake_ReadyFirst(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, server.Config{})
	ws := dial(t, ts)

	ready, ok := readControl(t, ws).(*wire.Ready)
	if !ok {
		t.Fatal("first message is not ready")
	}
	if ready.ID == "" {
		t.Error("ready without session id")
	}
	if ready.ProtocolVersion != wire.ProtocolVersion {
		t.Errorf("protocol version: want %d, got %d", wire.ProtocolVersion, ready.ProtocolVersion)
	}
}

func TestPing_EchoesTimestamp(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, server.Config{})
	ws := dial(t, ts)
	readControl(t, ws) // ready

	sendControl(t, ws, &wire.Ping{Timestamp: 42})
	pong, ok := readControl(t, ws).(*wire.Pong)
	if !ok {
		t.Fatal("want pong")
	}
	if pong.Timestamp != 42 {
		t.Errorf("pong timestamp: want 42, got %d", pong.Timestamp)
	}
}

func TestReconnect_UnknownSessionRejected(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, server.Config{})
	ws := dial(t, ts)
	readControl(t, ws) // ready

	sendControl(t, ws, &wire.Reconnect{SessionID: "nope"})
	ack, ok := readControl(t, ws).(*wire.ReconnectAck)
	if !ok {
		t.Fatal("want reconnect-ack")
	}
	if ack.Success || ack.HistoryRecovered {
		t.Errorf("ack: want failure, got %+v", ack)
	}
}

func TestReconnect_RecoversHistory(t *testing.T) {
	t.Parallel()

	ts, deps := newTestServer(t, server.Config{})

	prior, err := deps.manager.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	prior.AppendUser(types.Message{Role: "user", Content: "earlier question"})

	ws := dial(t, ts)
	readControl(t, ws) // ready

	sendControl(t, ws, &wire.Reconnect{SessionID: prior.ID()})
	ack, ok := readControl(t, ws).(*wire.ReconnectAck)
	if !ok {
		t.Fatal("want reconnect-ack")
	}
	if !ack.Success || !ack.HistoryRecovered || ack.SessionID != prior.ID() {
		t.Errorf("ack: got %+v", ack)
	}
}

func TestUnknownControlMessageIgnored(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, server.Config{})
	ws := dial(t, ts)
	readControl(t, ws) // ready

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"telemetry","x":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection stays up and keeps answering pings.
	sendControl(t, ws, &wire.Ping{Timestamp: 7})
	if _, ok := readControl(t, ws).(*wire.Pong); !ok {
		t.Fatal("connection did not survive unknown message")
	}
}

func TestLegacyAudio_DrivesFullTurn(t *testing.T) {
	t.Parallel()

	// 5 speech windows then constant silence: the utterance ends after the
	// exit hysteresis (16 windows at 0.1).
	ts, _ := newTestServer(t, server.Config{
		VAD: &vadmock.Engine{
			Probabilities: []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.1},
		},
	})
	ws := dial(t, ts)
	readControl(t, ws) // ready

	// 21 windows of 512 samples at 16 kHz mono: 5 speech + 16 silence.
	pcm := make([]byte, 21*1024)
	sendControl(t, ws, &wire.Audio{Data: pcm})

	var got []wire.Message
	for {
		msg := readControl(t, ws)
		got = append(got, msg)
		if _, done := msg.(*wire.TTSComplete); done {
			break
		}
		if len(got) > 32 {
			t.Fatalf("no tts-complete after %d messages", len(got))
		}
	}

	index := func(tag wire.MessageType) int {
		for i, m := range got {
			if m.Tag() == tag {
				return i
			}
		}
		return -1
	}

	speechStart := index(wire.TypeSpeechStart)
	speechEnd := index(wire.TypeSpeechEnd)
	transcript := index(wire.TypeTranscript)
	llmChunk := index(wire.TypeLLMChunk)
	ttsStart := index(wire.TypeTTSStart)
	ttsChunk := index(wire.TypeTTSChunk)
	ttsComplete := index(wire.TypeTTSComplete)

	for name, idx := range map[string]int{
		"speech-start": speechStart, "speech-end": speechEnd,
		"transcript": transcript, "llm-chunk": llmChunk,
		"tts-start": ttsStart, "tts-chunk": ttsChunk, "tts-complete": ttsComplete,
	} {
		if idx < 0 {
			t.Fatalf("missing %s in %v", name, tags(got))
		}
	}
	if !(speechStart < speechEnd && speechEnd < transcript && transcript < llmChunk &&
		llmChunk < ttsStart && ttsStart < ttsChunk && ttsChunk < ttsComplete) {
		t.Errorf("event order violated: %v", tags(got))
	}

	tr := got[transcript].(*wire.Transcript)
	if tr.Text != "What's the weather in Tokyo?" || !tr.IsFinal {
		t.Errorf("transcript: got %+v", tr)
	}
}

func TestHeartbeat_TimeoutClosesTransport(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, server.Config{
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  60 * time.Millisecond,
	})
	ws := dial(t, ts)
	readControl(t, ws) // ready

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		if _, _, err := ws.Read(ctx); err != nil {
			if code := websocket.CloseStatus(err); code != websocket.StatusCode(4002) {
				t.Fatalf("close code: want 4002, got %d (%v)", code, err)
			}
			return
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, server.Config{Health: healthHandler()})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: want 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"ok":true`) {
		t.Errorf("body: got %s", body)
	}
}

func healthHandler() *health.Handler {
	return health.New()
}

func tags(msgs []wire.Message) []wire.MessageType {
	out := make([]wire.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Tag()
	}
	return out
}
