package turn_test

import (
	"reflect"
	"testing"

	"github.com/llmrtc/llmrtc/internal/turn"
)

// chunkAll feeds text in the given piece sizes and returns all sentences
// including the flushed tail.
func chunkAll(text string, pieceLen int) []string {
	var c turn.SentenceChunker
	var out []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += pieceLen {
		end := i + pieceLen
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, c.Feed(string(runes[i:end]))...)
	}
	if tail := c.Flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}

func TestSentenceChunker_SplitsOnTerminatorPlusWhitespace(t *testing.T) {
	t.Parallel()

	var c turn.SentenceChunker
	got := c.Feed("It is sunny. Enjoy the day! Will you? ")
	want := []string{"It is sunny.", "Enjoy the day!", "Will you?"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sentences: want %v, got %v", want, got)
	}
	if tail := c.Flush(); tail != "" {
		t.Errorf("tail: want empty, got %q", tail)
	}
}

func TestSentenceChunker_DecimalNumbersNotSplit(t *testing.T) {
	t.Parallel()

	var c turn.SentenceChunker
	if got := c.Feed("Pi is 3.14159 roughly. Yes."); len(got) != 1 || got[0] != "Pi is 3.14159 roughly." {
		t.Errorf("sentences: got %v", got)
	}
	if tail := c.Flush(); tail != "Yes." {
		t.Errorf("tail: want %q, got %q", "Yes.", tail)
	}
}

func TestSentenceChunker_TerminatorAtDeltaEndWaits(t *testing.T) {
	t.Parallel()

	var c turn.SentenceChunker
	if got := c.Feed("Version 2."); got != nil {
		t.Errorf("want no sentence for trailing terminator, got %v", got)
	}
	if got := c.Feed("5 is out. Done."); len(got) != 1 || got[0] != "Version 2.5 is out." {
		t.Errorf("sentences: got %v", got)
	}
	if tail := c.Flush(); tail != "Done." {
		t.Errorf("tail: want %q, got %q", "Done.", tail)
	}
}

func TestSentenceChunker_CJKTerminators(t *testing.T) {
	t.Parallel()

	var c turn.SentenceChunker
	got := c.Feed("こんにちは。元気ですか？はい！")
	want := []string{"こんにちは。", "元気ですか？"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sentences: want %v, got %v", want, got)
	}
	// The final ！ sits at the buffer end and flushes as the tail.
	if tail := c.Flush(); tail != "はい！" {
		t.Errorf("tail: want %q, got %q", "はい！", tail)
	}
}

func TestSentenceChunker_StableUnderResegmentation(t *testing.T) {
	t.Parallel()

	text := "First sentence. Second one! Third? こんにちは。And a trailing tail"
	whole := chunkAll(text, len([]rune(text)))
	for _, pieceLen := range []int{1, 2, 3, 7} {
		got := chunkAll(text, pieceLen)
		if !reflect.DeepEqual(got, whole) {
			t.Errorf("piece length %d: want %v, got %v", pieceLen, whole, got)
		}
	}
}

func TestSentenceChunker_FlushResets(t *testing.T) {
	t.Parallel()

	var c turn.SentenceChunker
	c.Feed("leftover text")
	if tail := c.Flush(); tail != "leftover text" {
		t.Fatalf("tail: got %q", tail)
	}
	if tail := c.Flush(); tail != "" {
		t.Errorf("second flush: want empty, got %q", tail)
	}
	if got := c.Feed("Fresh start. "); len(got) != 1 || got[0] != "Fresh start." {
		t.Errorf("after reset: got %v", got)
	}
}
