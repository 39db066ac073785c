package message

import (
	"strings"
	"unicode"
)

const (
	charFloodThreshold = 64 // identical runes in a row
	wordFloodThreshold = 16 // identical words in a row, case-insensitive
)

// isFlood reports whether text is a pasted run of one character or one word.
// Thresholds are loose on purpose: "sooooo" and "no no no" are ordinary chat.
func isFlood(text string) bool {
	return hasCharFlood(text, charFloodThreshold) || hasWordFlood(text, wordFloodThreshold)
}

// hasCharFlood is a linear scan; RE2 has no backreferences.
func hasCharFlood(text string, threshold int) bool {
	count := 0
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
		} else {
			count = 1
			prev = r
		}
		if count >= threshold && !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

func hasWordFlood(text string, threshold int) bool {
	words := strings.Fields(text)
	if len(words) < threshold {
		return false
	}

	count := 0
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
		} else {
			count = 1
			prev = lower
		}
		if count >= threshold {
			return true
		}
	}
	return false
}
