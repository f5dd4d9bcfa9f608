package openai_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/stt/openai"
)

// capture records the last transcription request the fake server saw.
type capture struct {
	mu     sync.Mutex
	file   []byte
	fields map[string]string
}

func newTranscriptionServer(t *testing.T, text string, status int) (*httptest.Server, *capture) {
	t.Helper()
	cap := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			t.Errorf("read file: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		cap.mu.Lock()
		cap.file = data
		cap.fields = map[string]string{}
		for name := range r.MultipartForm.Value {
			cap.fields[name] = r.FormValue(name)
		}
		cap.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, `{"error": {"message": "boom"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": " ` + text + ` "}`))
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

func TestTranscribe(t *testing.T) {
	t.Parallel()
	srv, cap := newTranscriptionServer(t, "hello there", http.StatusOK)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := make([]byte, 3200) // 100 ms of silence at 16 kHz
	got, err := p.Transcribe(context.Background(), pcm, stt.Config{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en-US",
		Keywords:   []string{"Acme", "Fennwick"},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if got.Text != "hello there" {
		t.Errorf("text: got %q, want %q", got.Text, "hello there")
	}
	if !got.IsFinal {
		t.Error("transcript should be final")
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.file) < 44 || string(cap.file[0:4]) != "RIFF" {
		t.Error("uploaded file should be WAV-framed")
	}
	if cap.fields["language"] != "en" {
		t.Errorf("language: got %q, want %q (base of en-US)", cap.fields["language"], "en")
	}
	if !strings.Contains(cap.fields["prompt"], "Fennwick") {
		t.Errorf("prompt should carry keyword hints, got %q", cap.fields["prompt"])
	}
	if cap.fields["model"] != "whisper-1" {
		t.Errorf("model: got %q, want default whisper-1", cap.fields["model"])
	}
}

func TestTranscribe_PassesThroughWAV(t *testing.T) {
	t.Parallel()
	srv, cap := newTranscriptionServer(t, "ok", http.StatusOK)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wav := append([]byte("RIFF"), make([]byte, 60)...)
	if _, err := p.Transcribe(context.Background(), wav, stt.Config{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.file) != len(wav) {
		t.Errorf("RIFF input should not be re-framed: got %d bytes, want %d", len(cap.file), len(wav))
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv, _ := newTranscriptionServer(t, "", http.StatusInternalServerError)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Transcribe(context.Background(), make([]byte, 320), stt.Config{}); err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestTranscribe_CustomModel(t *testing.T) {
	t.Parallel()
	srv, cap := newTranscriptionServer(t, "ok", http.StatusOK)

	p, err := openai.New("sk-test",
		openai.WithBaseURL(srv.URL),
		openai.WithModel("gpt-4o-mini-transcribe"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Transcribe(context.Background(), make([]byte, 320), stt.Config{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if cap.fields["model"] != "gpt-4o-mini-transcribe" {
		t.Errorf("model: got %q, want gpt-4o-mini-transcribe", cap.fields["model"])
	}
}
