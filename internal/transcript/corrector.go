// Package transcript corrects speech-to-text output against the vocabulary
// of the active playbook stage. Recognisers reliably garble proper nouns and
// domain terms ("tokio" for "Tokyo", "web are tee see" for "WebRTC"); the
// corrector realigns such words before the text reaches the language model.
//
// Matching runs in two passes per candidate window:
//
//  1. Double Metaphone codes of the window and each keyword are compared.
//     Any shared code makes the keyword a phonetic candidate.
//  2. Candidates are ranked by Jaro-Winkler similarity on the raw strings.
//     The best candidate wins when it clears the phonetic threshold. When no
//     phonetic candidate exists, a stricter pure-similarity threshold applies.
//
// Multi-word keywords are handled with sliding n-gram windows sized to the
// longest keyword.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetically
// matched keyword needs to replace the heard text. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for replacements
// without phonetic support. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Correction records one replacement made by the corrector.
type Correction struct {
	Heard      string
	Corrected  string
	Confidence float64
}

// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

func New(opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites the words of text that phonetically align with a keyword.
// Longer windows are tried first so multi-word keywords beat partial
// single-word matches. The returned text preserves word order; original
// casing of unmatched words is kept.
func (c *Corrector) Correct(text string, keywords []string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(keywords) == 0 {
		return text, nil
	}

	maxWindow := 1
	for _, kw := range keywords {
		if n := len(strings.Fields(kw)); n > maxWindow {
			maxWindow = n
		}
	}

	var (
		out         []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		window := maxWindow
		if i+window > len(tokens) {
			window = len(tokens) - i
		}

		matched := false
		for n := window; n >= 1; n-- {
			heard := strings.Join(tokens[i:i+n], " ")
			keyword, score, ok := c.match(heard, keywords)
			if !ok || strings.EqualFold(heard, keyword) {
				continue
			}
			out = append(out, strings.Fields(keyword)...)
			corrections = append(corrections, Correction{
				Heard:      heard,
				Corrected:  keyword,
				Confidence: score,
			})
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// match finds the keyword most similar to heard, preferring phonetic
// candidates. Returns false when nothing clears its threshold.
func (c *Corrector) match(heard string, keywords []string) (string, float64, bool) {
	heardLower := strings.ToLower(strings.TrimSpace(heard))
	if heardLower == "" {
		return heard, 0, false
	}
	heardTokens := strings.Fields(heardLower)
	heardCodes := metaphoneCodes(heardTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)

	for _, kw := range keywords {
		kwLower := strings.ToLower(strings.TrimSpace(kw))
		if kwLower == "" {
			continue
		}
		kwTokens := strings.Fields(kwLower)

		phonetic := codesOverlap(heardCodes, metaphoneCodes(kwTokens))
		score := similarity(heardTokens, kwTokens, heardLower, kwLower)

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = kw, score, true
			}
		case !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore:
			best, bestScore = kw, score
		}
	}

	if best == "" {
		return heard, 0, false
	}
	return best, bestScore, true
}

// metaphoneCodes unions the Double Metaphone codes of all tokens. Codes the
// encoder cannot produce (too short, no consonants) are skipped.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score across three views of the pair:
// full strings, space-stripped strings, and the best token-to-token pairing.
// The space-stripped view catches words the recogniser split apart.
func similarity(heardTokens, kwTokens []string, heardFull, kwFull string) float64 {
	score := matchr.JaroWinkler(heardFull, kwFull, false)

	if len(heardTokens) > 1 || len(kwTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(heardTokens, ""), strings.Join(kwTokens, ""), false)
		if joined > score {
			score = joined
		}
	}

	for _, ht := range heardTokens {
		for _, kt := range kwTokens {
			if s := matchr.JaroWinkler(ht, kt, false); s > score {
				score = s
			}
		}
	}
	return score
}
