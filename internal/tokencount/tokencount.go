// Package tokencount provides a deterministic heuristic token counter.
//
// It is not a tokenizer. Its only contract is stability: the same input
// always yields the same integer, while approximately tracking real
// tokenizer output for Latin and CJK text. The gateway uses it where a
// provider reports a single combined output-token count that must be split
// between visible text and thinking content.
package tokencount

import "regexp"

// basePattern splits text into words, single punctuation marks, and
// whitespace runs. Go's \w is ASCII-only, so CJK characters fall into the
// punctuation class and each becomes its own base token.
var basePattern = regexp.MustCompile(`\w+|[^\w\s]|\s+`)

var wordPattern = regexp.MustCompile(`^\w+$`)

// Count estimates the token count of text. Empty input yields 0.
func Count(text string) int {
	if text == "" {
		return 0
	}

	tokens := basePattern.FindAllString(text, -1)
	count := len(tokens)

	for _, tok := range tokens {
		runes := []rune(tok)

		// Sub-word penalty: long words split into multiple sub-word tokens
		// under real BPE vocabularies.
		if wordPattern.MatchString(tok) && len(runes) > 4 {
			count += (len(runes) - 1) / 4
		}

		// CJK characters are roughly one token each. The token itself was
		// already counted once, so only the surplus is added.
		cjk := 0
		for _, r := range runes {
			if isCJK(r) {
				cjk++
			}
		}
		if cjk > 0 {
			count += cjk - 1
		}
	}

	return count
}

// isCJK reports whether r falls in the CJK unified ideograph, Japanese kana
// or Hangul syllable ranges.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FA5:
		return true
	case r >= 0x3040 && r <= 0x30FF:
		return true
	case r >= 0xAC00 && r <= 0xD7AF:
		return true
	}
	return false
}
