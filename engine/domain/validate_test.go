package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateQuestion(t *testing.T) {
	tests := []struct {
		name    string
		q       string
		wantErr bool
	}{
		{"ok", "What is the refund policy?", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"single rune", "a", true},
		{"too long", strings.Repeat("x", maxQuestionLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuestion(tt.q)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateQuestion(%q) err=%v, wantErr=%v", tt.q, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidQuestion) {
				t.Fatalf("expected ErrInvalidQuestion, got %v", err)
			}
		})
	}
}

func TestValidateTabKey(t *testing.T) {
	if err := ValidateTabKey("tab-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := ValidateTabKey(" ")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "tab_key" {
		t.Fatalf("expected tab_key validation error, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTabKey) {
		t.Fatalf("expected ErrInvalidTabKey, got %v", err)
	}
}

func TestWordCount(t *testing.T) {
	if n := WordCount("  one two\nthree\t four "); n != 4 {
		t.Fatalf("expected 4 words, got %d", n)
	}
}

func TestAtomic(t *testing.T) {
	if (Section{}).Atomic() {
		t.Fatal("plain section should not be atomic")
	}
	if !(ContentChunk{ComponentType: ComponentTable}).Atomic() {
		t.Fatal("table chunk should be atomic")
	}
}
