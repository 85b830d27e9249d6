package codeblocks

import (
	"strings"
	"unicode"
)

const (
	// byteOrderMark counts as whitespace for grading even though unicode.IsSpace excludes it.
	byteOrderMark = '\uFEFF'
	// nextLine is reported by unicode.IsSpace but is not whitespace for grading.
	nextLine = '\u0085'
)

// StripWhitespace removes every whitespace rune from the input. The set is
// unicode.IsSpace plus U+FEFF, minus U+0085.
func StripWhitespace(value string) string {
	return strings.Map(func(r rune) rune {
		if isGradingSpace(r) {
			return -1
		}
		return r
	}, value)
}

func isGradingSpace(r rune) bool {
	if r == nextLine {
		return false
	}
	return unicode.IsSpace(r) || r == byteOrderMark
}

// IsCorrect reports whether submitted matches reference once whitespace is ignored.
func IsCorrect(submitted, reference string) bool {
	return StripWhitespace(submitted) == StripWhitespace(reference)
}
