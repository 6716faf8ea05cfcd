package endpointer

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// AEC is a lightweight, dependency-free acoustic echo canceller: it keeps a
// rolling buffer of recently played-out audio and mutes ingest frames whose
// correlation against that buffer is high enough to be self-echo rather
// than genuine caller speech. It is a time-domain correlation canceller,
// not a full adaptive-filter AEC, but is cheap enough to run per-frame on
// every call.
type AEC struct {
	mu sync.Mutex

	playedBuf   *bytes.Buffer
	maxBufBytes int

	threshold     float64
	silenceWindow time.Duration
	lastPlayedAt  time.Time

	enabled bool

	truncations int
}

// NewAEC builds an AEC instance. sampleRate is used only to size the
// rolling playback buffer to roughly 2 seconds of audio.
func NewAEC(sampleRate int) *AEC {
	return &AEC{
		playedBuf:     new(bytes.Buffer),
		maxBufBytes:   sampleRate * 2 * 2, // 2 bytes/sample, ~2s
		threshold:     0.55,
		silenceWindow: 1200 * time.Millisecond,
		enabled:       true,
	}
}

// SetEnabled toggles echo cancellation.
func (a *AEC) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// Enabled reports whether cancellation is active.
func (a *AEC) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// RecordPlayback records PCM that was just written to the call's media
// socket, so subsequent ingest frames can be checked against it.
func (a *AEC) RecordPlayback(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return
	}
	a.playedBuf.Write(chunk)
	a.lastPlayedAt = time.Now()
	if a.playedBuf.Len() > a.maxBufBytes {
		data := a.playedBuf.Bytes()
		trimmed := data[len(data)-a.maxBufBytes:]
		a.playedBuf.Reset()
		a.playedBuf.Write(trimmed)
	}
}

// Reset drops the playback reference buffer, used on barge-in / interrupt
// so stale playback doesn't keep suppressing the caller's next utterance.
func (a *AEC) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.playedBuf.Reset()
}

// Process subtracts echo from an ingest frame in real time. If the frame
// correlates strongly with recently played audio it is zeroed (muted)
// rather than truly subtracted, which is conservative but avoids
// introducing artifacts into a frame that is mostly-but-not-entirely echo.
// Frames that are muted in full are counted as truncations for diagnostics;
// Endpointer.Ingest logs a Warn each time the count rises.
func (a *AEC) Process(input []byte) []byte {
	out := make([]byte, len(input))
	copy(out, input)

	if len(input) == 0 {
		return out
	}

	a.mu.Lock()
	enabled := a.enabled
	if !enabled {
		a.mu.Unlock()
		return out
	}
	if time.Since(a.lastPlayedAt) > a.silenceWindow {
		a.mu.Unlock()
		return out
	}
	ref := make([]byte, a.playedBuf.Len())
	copy(ref, a.playedBuf.Bytes())
	threshold := a.threshold
	a.mu.Unlock()

	if len(ref) == 0 {
		return out
	}

	inSamples := bytesToSamples(input)
	refSamples := bytesToSamples(ref)
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return out
	}

	compareLen := len(inSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	inSeg := inSamples[:compareLen]
	inEnergy := energy(inSeg)
	if inEnergy == 0 {
		return out
	}

	maxCorr := maxCorrelation(inSeg, refSamples, inEnergy)
	if maxCorr < threshold {
		envCorr := maxEnvelopeCorrelation(inSeg, refSamples, 8)
		if envCorr < threshold+0.05 {
			return out
		}
	}

	// Entire segment classified as echo: mute it and record the truncation.
	for i := 0; i < compareLen*2 && i < len(out); i++ {
		out[i] = 0
	}
	a.mu.Lock()
	a.truncations++
	a.mu.Unlock()
	return out
}

// Truncations returns the number of ingest frames muted as echo since the
// AEC was created; Endpointer.Ingest logs a Warn each time it rises.
func (a *AEC) Truncations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncations
}

func bytesToSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)
	for i := 0; i < len(data)-1; i += 2 {
		s := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(s)/32768.0)
	}
	return samples
}

func energy(samples []float64) float64 {
	e := 0.0
	for _, s := range samples {
		e += s * s
	}
	return e
}

func maxCorrelation(inSeg, refSamples []float64, inEnergy float64) float64 {
	compareLen := len(inSeg)
	maxCorr := 0.0
	stride := compareLen / 4
	if stride < 8 {
		stride = 8
	}
	searchRange := len(refSamples) - compareLen + 1
	for pos := 0; pos < searchRange; pos += stride {
		seg := refSamples[pos : pos+compareLen]
		segEnergy := energy(seg)
		if segEnergy == 0 {
			continue
		}
		dot := 0.0
		for i := 0; i < compareLen; i++ {
			dot += inSeg[i] * seg[i]
		}
		corr := dot / math.Sqrt(inEnergy*segEnergy)
		if corr > maxCorr {
			maxCorr = corr
			if maxCorr >= 0.999 {
				return maxCorr
			}
		}
	}
	return maxCorr
}

// maxEnvelopeCorrelation compares the decimated absolute-value envelopes of
// the two signals, which catches echoed sibilants and high frequencies that
// raw sample correlation misses under small phase shifts.
func maxEnvelopeCorrelation(inSamples, refSamples []float64, decimation int) float64 {
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return 0
	}
	inEnv := envelope(inSamples, decimation)
	refEnv := envelope(refSamples, decimation)

	compareLen := len(inEnv)
	if compareLen > len(refEnv) {
		compareLen = len(refEnv)
	}
	if compareLen == 0 {
		return 0
	}

	inMean := mean(inEnv[:compareLen])
	inVar := 0.0
	centered := make([]float64, compareLen)
	for i := 0; i < compareLen; i++ {
		centered[i] = inEnv[i] - inMean
		inVar += centered[i] * centered[i]
	}
	if inVar <= 0 {
		return 0
	}

	maxCorr := 0.0
	stride := compareLen / 4
	if stride < 2 {
		stride = 2
	}
	searchRange := len(refEnv) - compareLen + 1
	for pos := 0; pos < searchRange; pos += stride {
		refMean := mean(refEnv[pos : pos+compareLen])
		dot, refVar := 0.0, 0.0
		for i := 0; i < compareLen; i++ {
			r := refEnv[pos+i] - refMean
			dot += centered[i] * r
			refVar += r * r
		}
		if refVar > 0 {
			if corr := dot / math.Sqrt(inVar*refVar); corr > maxCorr {
				maxCorr = corr
			}
		}
	}
	return maxCorr
}

func envelope(samples []float64, decimation int) []float64 {
	n := len(samples) / decimation
	env := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < decimation; j++ {
			sum += math.Abs(samples[i*decimation+j])
		}
		env[i] = sum
	}
	return env
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
