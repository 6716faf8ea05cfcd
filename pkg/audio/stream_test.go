package audio

import (
	"errors"
	"testing"
)

var errDecode = errors.New("decode failed")

type failingDecoder struct {
	codec Codec
	fail  bool
}

func (f *failingDecoder) Codec() Codec { return f.codec }

func (f *failingDecoder) Decode(frame []byte) ([]byte, error) {
	if f.fail {
		return nil, errDecode
	}
	return frame, nil
}

func TestStreamDecoderPassesThroughSuccessfulDecodes(t *testing.T) {
	sd := NewStreamDecoder([]FrameDecoder{NewMuLawDecoder()}, 3)
	pcm, err := sd.Decode([]byte{0xFF, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pcm) != 4 {
		t.Fatalf("expected 4 decoded bytes, got %d", len(pcm))
	}
}

func TestStreamDecoderRestartsAfterConsecutiveFailures(t *testing.T) {
	first := &failingDecoder{codec: "a", fail: true}
	second := &failingDecoder{codec: "b", fail: false}
	sd := NewStreamDecoder([]FrameDecoder{first, second}, 1)

	for i := 0; i < consecutiveFailureThreshold-1; i++ {
		if _, err := sd.Decode(nil); err != errDecode {
			t.Fatalf("expected decode error before threshold, got %v", err)
		}
		if sd.Restarts() != 0 {
			t.Fatalf("expected no restart before threshold, got %d", sd.Restarts())
		}
	}

	if _, err := sd.Decode(nil); err != errDecode {
		t.Fatalf("expected decode error on the threshold-crossing frame, got %v", err)
	}
	if sd.Restarts() != 1 {
		t.Fatalf("expected one restart after crossing threshold, got %d", sd.Restarts())
	}
	if sd.Codec() != "b" {
		t.Fatalf("expected fallback to second codec, got %s", sd.Codec())
	}

	pcm, err := sd.Decode([]byte{1, 2})
	if err != nil {
		t.Fatalf("expected fallback codec to succeed, got %v", err)
	}
	if len(pcm) != 2 {
		t.Fatalf("expected passthrough bytes, got %d", len(pcm))
	}
}

func TestStreamDecoderExhaustsRestartBudget(t *testing.T) {
	only := &failingDecoder{codec: "a", fail: true}
	sd := NewStreamDecoder([]FrameDecoder{only}, 0)

	var lastErr error
	for i := 0; i < consecutiveFailureThreshold; i++ {
		_, lastErr = sd.Decode(nil)
	}
	if !errors.Is(lastErr, ErrStreamExhausted) {
		t.Fatalf("expected ErrStreamExhausted once restart budget is exhausted, got %v", lastErr)
	}
}

func TestStreamDecoderResetsFailureCountOnSuccess(t *testing.T) {
	d := &failingDecoder{codec: "a", fail: true}
	sd := NewStreamDecoder([]FrameDecoder{d}, 5)

	for i := 0; i < consecutiveFailureThreshold-1; i++ {
		sd.Decode(nil)
	}
	d.fail = false
	if _, err := sd.Decode(nil); err != nil {
		t.Fatalf("unexpected error on recovered decode: %v", err)
	}
	d.fail = true
	for i := 0; i < consecutiveFailureThreshold-1; i++ {
		if _, err := sd.Decode(nil); err != errDecode {
			t.Fatalf("expected decode error, got %v", err)
		}
	}
	if sd.Restarts() != 0 {
		t.Fatalf("expected failure streak to have reset after the successful decode, got %d restarts", sd.Restarts())
	}
}
