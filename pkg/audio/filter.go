package audio

import "math"

// HighPassFilter is a single-pole high-pass filter used to strip DC offset
// and sub-80Hz rumble from carrier audio before it reaches the endpointer's
// RMS gate. Stateful across calls so it can run sample-by-sample across
// successive frames of the same stream.
type HighPassFilter struct {
	alpha    float64
	prevIn   float64
	prevOut  float64
	warmedUp bool
}

// NewHighPassFilter builds a filter with the given cutoff (Hz) for audio at
// sampleRate (Hz).
func NewHighPassFilter(cutoffHz, sampleRate float64) *HighPassFilter {
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	dt := 1.0 / sampleRate
	alpha := rc / (rc + dt)
	return &HighPassFilter{alpha: alpha}
}

// Apply filters 16-bit little-endian mono PCM in place and returns it.
func (f *HighPassFilter) Apply(pcm []byte) []byte {
	samples := bytesToInt16(pcm)
	for i, s := range samples {
		in := float64(s)
		if !f.warmedUp {
			f.prevIn, f.prevOut = in, 0
			f.warmedUp = true
		}
		out := f.alpha * (f.prevOut + in - f.prevIn)
		f.prevIn = in
		f.prevOut = out
		samples[i] = clampInt16(out)
	}
	return int16ToBytes(samples)
}

// RMSNormalize scales pcm so its RMS level matches targetRMS, leaving audio
// already near target alone and never amplifying silence into noise.
func RMSNormalize(pcm []byte, targetRMS float64) []byte {
	samples := bytesToInt16(pcm)
	if len(samples) == 0 {
		return pcm
	}
	var sumSquares float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	if rms < 1 {
		return pcm
	}
	gain := targetRMS / rms
	const maxGain = 4.0
	if gain > maxGain {
		gain = maxGain
	}
	for i, s := range samples {
		samples[i] = clampInt16(float64(s) * gain)
	}
	return int16ToBytes(samples)
}

// SoftLimit applies a tanh soft-knee limiter so normalization gain spikes
// clip gracefully instead of wrapping.
func SoftLimit(pcm []byte) []byte {
	samples := bytesToInt16(pcm)
	const ceiling = 30000.0
	for i, s := range samples {
		v := float64(s)
		if v > ceiling || v < -ceiling {
			sign := 1.0
			if v < 0 {
				sign = -1.0
			}
			excess := (math.Abs(v) - ceiling) / (32768 - ceiling)
			v = sign * (ceiling + (32768-ceiling)*math.Tanh(excess))
		}
		samples[i] = clampInt16(v)
	}
	return int16ToBytes(samples)
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
