package audio

import "errors"

// ErrStreamExhausted is returned once a media stream has used up its
// codec-fallback restart budget and the call must be terminated (spec §6,
// §7's decode_failure -> fatal row).
var ErrStreamExhausted = errors.New("media stream exhausted its codec restart budget")

// consecutiveFailureThreshold is how many decode failures in a row trigger
// a codec-fallback restart, rather than terminating the call outright.
const consecutiveFailureThreshold = 5

// StreamDecoder decodes one call's inbound media frames against the
// carrier-negotiated codec list, falling back to the next codec after a
// run of consecutive decode failures, up to a bounded number of restarts.
// Not safe for concurrent use; a call's media reader owns one.
type StreamDecoder struct {
	codecs      []FrameDecoder
	idx         int
	maxRestarts int

	restarts            int
	consecutiveFailures int
}

// NewStreamDecoder builds a StreamDecoder starting at the first codec in
// the negotiated list, restarting through the rest of the list up to
// maxRestarts times before giving up.
func NewStreamDecoder(codecs []FrameDecoder, maxRestarts int) *StreamDecoder {
	return &StreamDecoder{codecs: codecs, maxRestarts: maxRestarts}
}

// Codec reports the codec currently in use.
func (s *StreamDecoder) Codec() Codec {
	return s.codecs[s.idx].Codec()
}

// Decode decodes one inbound frame. A decode error is returned as-is until
// consecutiveFailureThreshold is reached, at which point it restarts onto
// the next codec in the list (still returning the triggering error so the
// caller can drop this frame); once maxRestarts is exhausted,
// ErrStreamExhausted replaces the decode error and the call should be torn
// down.
func (s *StreamDecoder) Decode(frame []byte) ([]byte, error) {
	pcm, err := s.codecs[s.idx].Decode(frame)
	if err == nil {
		s.consecutiveFailures = 0
		return pcm, nil
	}

	s.consecutiveFailures++
	if s.consecutiveFailures < consecutiveFailureThreshold {
		return nil, err
	}

	s.consecutiveFailures = 0
	if s.restarts >= s.maxRestarts {
		return nil, ErrStreamExhausted
	}
	s.restarts++
	if len(s.codecs) > 1 {
		s.idx = (s.idx + 1) % len(s.codecs)
	}
	return nil, err
}

// Restarts reports how many codec-fallback restarts have occurred so far.
func (s *StreamDecoder) Restarts() int {
	return s.restarts
}
