package tokens

import (
	"strings"
	"testing"
)

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func TestKeepRecentLimitsItems(t *testing.T) {
	texts := []string{"a", "b", "c", "d"}
	if got := KeepRecent(wordCounter{}, texts, 2, 0); got != 2 {
		t.Fatalf("KeepRecent() = %d, want 2", got)
	}
	if got := KeepRecent(wordCounter{}, texts, 0, 0); got != 0 {
		t.Fatalf("KeepRecent() = %d, want 0", got)
	}
}

func TestKeepRecentLimitsTokens(t *testing.T) {
	texts := []string{"one two three", "four five", "six", "seven eight"}
	// newest first: 2, 1, 2, 3 tokens
	if got := KeepRecent(wordCounter{}, texts, 0, 5); got != 1 {
		t.Fatalf("KeepRecent() = %d, want 1", got)
	}
	if got := KeepRecent(wordCounter{}, texts, 0, 3); got != 2 {
		t.Fatalf("KeepRecent() = %d, want 2", got)
	}
}

func TestKeepRecentAlwaysKeepsNewest(t *testing.T) {
	texts := []string{"short", "a very long final turn"}
	if got := KeepRecent(wordCounter{}, texts, 0, 1); got != 1 {
		t.Fatalf("KeepRecent() = %d, want 1", got)
	}
}

func TestEncoderCountsWithOfflineLoader(t *testing.T) {
	enc, err := NewEncoder("")
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	if got := enc.Count(""); got != 0 {
		t.Fatalf("Count(\"\") = %d", got)
	}
	if got := enc.Count("hello world"); got != 2 {
		t.Fatalf("Count(hello world) = %d, want 2", got)
	}
	again, err := NewEncoder(DefaultEncoding)
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	if again != enc {
		t.Fatal("NewEncoder() should reuse the loaded encoding")
	}
}
