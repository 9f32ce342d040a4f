package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	minQuestionLength = 2
	maxQuestionLength = 2000
	maxTabKeyLength   = 256
)

// ValidateTabKey checks an opaque tab/document key.
func ValidateTabKey(key string) error {
	if strings.TrimSpace(key) == "" || len(key) > maxTabKeyLength {
		return NewValidationError("tab_key", key, ErrInvalidTabKey)
	}
	return nil
}

// ValidateQuestion checks a user question before it is embedded.
func ValidateQuestion(q string) error {
	text := strings.TrimSpace(q)
	n := utf8.RuneCountInString(text)
	if n < minQuestionLength || n > maxQuestionLength {
		return NewValidationError("question", text, ErrInvalidQuestion)
	}
	return nil
}

// WordCount counts whitespace separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
