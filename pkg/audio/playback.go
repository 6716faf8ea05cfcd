package audio

import (
	"sync"
)

// TransportProfile selects the sample rate and frame size a call's media
// stream was negotiated at.
type TransportProfile int

const (
	// ProfileNarrowband is 8kHz mono, the carrier's PSTN default.
	ProfileNarrowband TransportProfile = iota
	// ProfileHD is 16kHz mono, used on calls that negotiated wideband audio.
	ProfileHD
)

const (
	narrowbandFrameBytes = 320 // 20ms @ 8kHz, 16-bit mono
	hdFrameBytes         = 640 // 20ms @ 16kHz, 16-bit mono
)

// FrameBytes returns the expected outbound frame size for the profile.
func (p TransportProfile) FrameBytes() int {
	if p == ProfileHD {
		return hdFrameBytes
	}
	return narrowbandFrameBytes
}

// Pipeline turns synthesized TTS PCM into a sequence of carrier-ready
// frames at the call's negotiated transport profile, shaping narrowband
// audio (high-pass, normalization, limiting) and chunking into fixed 20ms
// frames for the media socket writer. One Pipeline is owned per call.
type Pipeline struct {
	profile   TransportProfile
	targetRMS float64
}

// NewPipeline builds a playback pipeline for the given transport profile.
func NewPipeline(profile TransportProfile) *Pipeline {
	return &Pipeline{profile: profile, targetRMS: 3000}
}

// Prepare shapes raw TTS PCM (assumed 16kHz mono from the synthesis
// provider) into frames ready to write to the media socket. Narrowband
// audio is downsampled to 8kHz, high-pass filtered at 100Hz, normalized and
// soft-limited; HD audio passes through unchanged. Both are then chunked.
func (p *Pipeline) Prepare(pcm16kHz []byte) [][]byte {
	shaped := pcm16kHz
	if p.profile == ProfileNarrowband {
		shaped = Downsample16to8kHz(shaped)
		shaped = NewHighPassFilter(100, 8000).Apply(shaped)
		shaped = RMSNormalize(shaped, p.targetRMS)
		shaped = SoftLimit(shaped)
	}
	return chunk(shaped, p.profile.FrameBytes())
}

func chunk(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 || len(pcm) == 0 {
		return nil
	}
	var frames [][]byte
	for i := 0; i < len(pcm); i += frameBytes {
		end := i + frameBytes
		if end > len(pcm) {
			// Pad the final partial frame with silence so the media writer
			// never has to special-case a short last frame.
			padded := make([]byte, frameBytes)
			copy(padded, pcm[i:])
			frames = append(frames, padded)
			break
		}
		frame := make([]byte, frameBytes)
		copy(frame, pcm[i:end])
		frames = append(frames, frame)
	}
	return frames
}

// FillerCache stores pre-shaped frames for short "thinking" filler phrases,
// keyed by voice+phrase. It only holds frames passed to Put: it does not
// synthesize phrases itself, and nothing in the runtime fills it at startup
// or reads from it during a call.
type FillerCache struct {
	mu     sync.RWMutex
	frames map[string][][]byte
}

// NewFillerCache returns an empty cache.
func NewFillerCache() *FillerCache {
	return &FillerCache{frames: make(map[string][][]byte)}
}

// Put stores pre-shaped frames for a filler phrase keyed by voice+phrase.
func (c *FillerCache) Put(key string, frames [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[key] = frames
}

// Get returns cached frames for key, and whether they were found.
func (c *FillerCache) Get(key string) ([][]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	frames, ok := c.frames[key]
	return frames, ok
}
