package brain

import "strings"

// Segmenter buffers incremental stream tokens and decides when enough text
// has accumulated to flush a segment to TTS: the first segment flushes as
// soon as it reaches minChars or a sentence terminator appears; subsequent
// segments flush at nextChars (spec §4.4).
type Segmenter struct {
	minChars  int
	nextChars int

	buf     strings.Builder
	flushed int // number of segments flushed so far
}

// NewSegmenter builds a Segmenter with the given first-segment and
// subsequent-segment thresholds.
func NewSegmenter(minChars, nextChars int) *Segmenter {
	return &Segmenter{minChars: minChars, nextChars: nextChars}
}

// Push appends incremental text and returns a segment to flush, if the
// accumulated buffer has crossed its threshold, and whether one was ready.
func (s *Segmenter) Push(text string) (string, bool) {
	s.buf.WriteString(text)
	buffered := s.buf.String()

	cut := -1
	if s.flushed == 0 {
		// First segment: a sentence terminator alone is enough to flush,
		// even below minChars; otherwise wait for minChars.
		if idx := firstSentenceBoundary(buffered); idx > 0 {
			cut = idx
		} else if len(buffered) >= s.minChars {
			cut = len(buffered)
		}
	} else if len(buffered) >= s.nextChars {
		cut = len(buffered)
	}

	if cut < 0 {
		return "", false
	}

	segment := buffered[:cut]
	remainder := buffered[cut:]
	s.buf.Reset()
	s.buf.WriteString(remainder)
	s.flushed++
	return segment, true
}

// Flush returns whatever remains in the buffer unconditionally, used when
// the stream ends (event: done) and any tail text must still be spoken.
func (s *Segmenter) Flush() (string, bool) {
	remainder := s.buf.String()
	s.buf.Reset()
	if remainder == "" {
		return "", false
	}
	s.flushed++
	return remainder, true
}

func firstSentenceBoundary(s string) int {
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			return i + 1
		}
	}
	return -1
}
