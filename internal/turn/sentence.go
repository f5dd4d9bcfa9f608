package turn

import "strings"

// SentenceChunker accumulates streamed LLM text deltas and cuts them into
// complete sentences for per-sentence TTS.
//
// A boundary is a '.', '!' or '?' immediately followed by whitespace, or a
// CJK terminator ('。', '！', '？') followed by any character. A terminator
// at the very end of the buffer is not a boundary yet: the next delta may
// continue the sentence ("3." → "3.14"). Flush cuts the remaining tail when
// the stream ends, so chunking is stable under re-segmentation of the
// input: feeding the same text in different delta sizes yields the same
// sentences apart from the final unterminated tail.
type SentenceChunker struct {
	buf strings.Builder
}

// Feed appends one delta and returns every sentence completed by it, each
// trimmed of surrounding whitespace. Empty sentences are dropped.
func (c *SentenceChunker) Feed(delta string) []string {
	if delta == "" {
		return nil
	}
	c.buf.WriteString(delta)

	var sentences []string
	for {
		s := c.buf.String()
		idx := firstSentenceBoundary(s)
		if idx < 0 {
			break
		}
		sentence := strings.TrimSpace(s[:idx])
		rest := strings.TrimLeft(s[idx:], " \t\n\r")
		c.buf.Reset()
		c.buf.WriteString(rest)
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
	return sentences
}

// Flush returns the remaining buffered text as a final sentence, trimmed,
// or "" if nothing meaningful is left. The chunker is reset afterwards.
func (c *SentenceChunker) Flush() string {
	tail := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	return tail
}

// firstSentenceBoundary returns the byte index one past the first sentence
// terminator that has a confirmed continuation: '.', '!' or '?' followed by
// whitespace, or '。', '！', '？' followed by any rune. Returns -1 if the
// buffer holds no confirmed boundary.
func firstSentenceBoundary(s string) int {
	runes := []rune(s)
	byteIdx := 0
	for i := 0; i < len(runes)-1; i++ {
		r := runes[i]
		width := len(string(r))
		switch r {
		case '.', '!', '?':
			switch runes[i+1] {
			case ' ', '\n', '\r', '\t':
				return byteIdx + width
			}
		case '。', '！', '？':
			return byteIdx + width
		}
		byteIdx += width
	}
	return -1
}
