package openai_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/tts/openai"
)

// capture records the last speech request body the fake server saw.
type capture struct {
	mu   sync.Mutex
	body map[string]any
}

func newSpeechServer(t *testing.T, audio []byte, status int) (*httptest.Server, *capture) {
	t.Helper()
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode body: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cap.mu.Lock()
		cap.body = body
		cap.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, `{"error": {"message": "boom"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write(audio)
	}))
	t.Cleanup(srv.Close)
	return srv, cap
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestSpeak(t *testing.T) {
	t.Parallel()
	wantAudio := bytes.Repeat([]byte{0x01, 0x02}, 480)
	srv, cap := newSpeechServer(t, wantAudio, http.StatusOK)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.Speak(context.Background(), "Hello there.", tts.VoiceProfile{
		ID:          "nova",
		SpeedFactor: 1.2,
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if !bytes.Equal(got.Data, wantAudio) {
		t.Errorf("audio data mismatch: got %d bytes, want %d", len(got.Data), len(wantAudio))
	}
	if got.Format != "pcm" {
		t.Errorf("format: got %q, want %q", got.Format, "pcm")
	}
	if got.SampleRate != 24000 {
		t.Errorf("sample rate: got %d, want 24000", got.SampleRate)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if cap.body["input"] != "Hello there." {
		t.Errorf("input: got %q", cap.body["input"])
	}
	if cap.body["voice"] != "nova" {
		t.Errorf("voice: got %q, want nova", cap.body["voice"])
	}
	if cap.body["model"] != "gpt-4o-mini-tts" {
		t.Errorf("model: got %q, want default gpt-4o-mini-tts", cap.body["model"])
	}
	if cap.body["response_format"] != "pcm" {
		t.Errorf("response_format: got %q, want pcm", cap.body["response_format"])
	}
	if speed, ok := cap.body["speed"].(float64); !ok || speed != 1.2 {
		t.Errorf("speed: got %v, want 1.2", cap.body["speed"])
	}
}

func TestSpeak_DefaultVoice(t *testing.T) {
	t.Parallel()
	srv, cap := newSpeechServer(t, []byte{0x00}, http.StatusOK)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Speak(context.Background(), "hi", tts.VoiceProfile{}); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if cap.body["voice"] != "alloy" {
		t.Errorf("empty voice ID should fall back to alloy, got %q", cap.body["voice"])
	}
	if _, ok := cap.body["speed"]; ok {
		t.Error("zero speed factor should not be sent")
	}
}

func TestSpeak_ServerError(t *testing.T) {
	t.Parallel()
	srv, _ := newSpeechServer(t, nil, http.StatusInternalServerError)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Speak(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestSpeak_CustomFormat(t *testing.T) {
	t.Parallel()
	srv, cap := newSpeechServer(t, []byte("ID3"), http.StatusOK)

	p, err := openai.New("sk-test",
		openai.WithBaseURL(srv.URL),
		openai.WithResponseFormat("mp3"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.Speak(context.Background(), "hi", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if got.Format != "mp3" {
		t.Errorf("format: got %q, want mp3", got.Format)
	}
	if got.SampleRate != 0 {
		t.Errorf("non-pcm formats have no fixed sample rate, got %d", got.SampleRate)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if cap.body["response_format"] != "mp3" {
		t.Errorf("response_format: got %q, want mp3", cap.body["response_format"])
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	p, err := openai.New("sk-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) == 0 {
		t.Fatal("voice catalogue should not be empty")
	}

	found := false
	for _, v := range voices {
		if v.ID == "alloy" {
			found = true
		}
		if v.ID == "" || v.Name == "" {
			t.Errorf("voice with empty fields: %+v", v)
		}
	}
	if !found {
		t.Error("catalogue should include alloy")
	}
}
