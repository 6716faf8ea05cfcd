package tts

import (
	"strings"
	"testing"
)

func TestShapeTextTrimsAndCollapsesWhitespace(t *testing.T) {
	got := ShapeText("  hello   there  \n\n world  ")
	if got != "hello there world." {
		t.Errorf("expected normalized text with terminal punctuation, got %q", got)
	}
}

func TestShapeTextKeepsExistingPunctuation(t *testing.T) {
	got := ShapeText("is that everything?")
	if got != "is that everything?" {
		t.Errorf("expected punctuation preserved unchanged, got %q", got)
	}
}

func TestShapeTextEmpty(t *testing.T) {
	if got := ShapeText("   "); got != "" {
		t.Errorf("expected empty string for blank input, got %q", got)
	}
}

func TestShapeTextSplitsLongSentenceAtCommas(t *testing.T) {
	long := strings.Repeat("word, ", 40) + "done."
	got := ShapeText(long)
	for _, line := range strings.Split(got, "\n") {
		if len(line) > maxChunkChars {
			t.Errorf("expected no chunk over %d chars, got %d: %q", maxChunkChars, len(line), line)
		}
	}
	if !strings.Contains(got, "\n") {
		t.Errorf("expected long text to be split into multiple newline-joined chunks")
	}
}

func TestShapeTextShortTextSingleChunk(t *testing.T) {
	got := ShapeText("hi")
	if strings.Contains(got, "\n") {
		t.Errorf("expected short text to remain a single chunk, got %q", got)
	}
}
