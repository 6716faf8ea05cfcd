package tts

import "strings"

const maxChunkChars = 140

// ShapeText prepares assistant text for synthesis: trims, collapses
// whitespace, ensures terminal punctuation, and splits long sentences at
// commas so no single chunk exceeds maxChunkChars. Chunks are joined by
// newlines, which the synthesizer treats as a pause hint (spec §4.4).
func ShapeText(text string) string {
	text = collapseWhitespace(strings.TrimSpace(text))
	if text == "" {
		return text
	}
	if !endsWithTerminalPunctuation(text) {
		text += "."
	}

	chunks := splitOversizedChunks(text)
	return strings.Join(chunks, "\n")
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	return strings.TrimSpace(b.String())
}

func endsWithTerminalPunctuation(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func splitOversizedChunks(text string) []string {
	if len(text) <= maxChunkChars {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > maxChunkChars {
		cut := lastCommaWithin(remaining, maxChunkChars)
		if cut <= 0 {
			cut = maxChunkChars
		}
		chunks = append(chunks, strings.TrimSpace(remaining[:cut]))
		remaining = strings.TrimSpace(remaining[cut:])
		if remaining != "" && !strings.HasPrefix(remaining, ",") {
			// trimmed the comma itself away; nothing further to strip
		}
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func lastCommaWithin(s string, limit int) int {
	if limit > len(s) {
		limit = len(s)
	}
	idx := strings.LastIndexByte(s[:limit], ',')
	if idx < 0 {
		return 0
	}
	return idx + 1
}
