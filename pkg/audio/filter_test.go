package audio

import "testing"

func TestHighPassFilterRemovesDC(t *testing.T) {
	samples := make([]int16, 800)
	for i := range samples {
		samples[i] = 1000
	}
	f := NewHighPassFilter(80, 8000)
	out := bytesToInt16(f.Apply(int16ToBytes(samples)))

	tailAvg := 0.0
	for i := len(out) - 100; i < len(out); i++ {
		tailAvg += float64(out[i])
	}
	tailAvg /= 100
	if math_abs(tailAvg) > 50 {
		t.Errorf("expected DC offset suppressed toward 0 by end of filter run, got avg %f", tailAvg)
	}
}

func TestHighPassFilterStateful(t *testing.T) {
	f := NewHighPassFilter(80, 8000)
	first := f.Apply(int16ToBytes([]int16{1000, 0}))
	second := f.Apply(int16ToBytes([]int16{1000, 0}))
	if bytesEqual(first, second) {
		t.Errorf("expected filter state to carry across Apply calls")
	}
}

func TestRMSNormalizeQuietBoost(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 100
		} else {
			samples[i] = -100
		}
	}
	out := bytesToInt16(RMSNormalize(int16ToBytes(samples), 3000))
	if abs16(out[0]) <= 100 {
		t.Errorf("expected quiet audio to be boosted, got %d", out[0])
	}
}

func TestRMSNormalizeSilenceUntouched(t *testing.T) {
	samples := make([]int16, 160)
	out := RMSNormalize(int16ToBytes(samples), 3000)
	got := bytesToInt16(out)
	for _, s := range got {
		if s != 0 {
			t.Errorf("expected silence to remain silence, got %d", s)
			break
		}
	}
}

func TestSoftLimitClampsPeaks(t *testing.T) {
	samples := []int16{32767, -32768, 0}
	out := bytesToInt16(SoftLimit(int16ToBytes(samples)))
	for _, s := range out {
		if s > 32767 || s < -32768 {
			t.Errorf("expected limited output within int16 range, got %d", s)
		}
	}
}

func math_abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
