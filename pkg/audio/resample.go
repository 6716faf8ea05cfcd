package audio

import "encoding/binary"

// Resample8to16kHz upconverts 16-bit little-endian mono PCM sampled at 8kHz
// (the carrier's narrowband rate) to 16kHz using linear interpolation
// between adjacent samples. Telephony-grade audio never needs anything more
// elaborate than linear interpolation for a 2x rate change.
func Resample8to16kHz(pcm []byte) []byte {
	samples := bytesToInt16(pcm)
	if len(samples) == 0 {
		return nil
	}
	out := make([]int16, len(samples)*2)
	for i := 0; i < len(samples); i++ {
		out[i*2] = samples[i]
		if i+1 < len(samples) {
			out[i*2+1] = int16((int32(samples[i]) + int32(samples[i+1])) / 2)
		} else {
			out[i*2+1] = samples[i]
		}
	}
	return int16ToBytes(out)
}

// Downsample16to8kHz drops every other sample to go from 16kHz back to the
// carrier's narrowband rate, used when a narrowband call plays back HD TTS
// audio synthesized at 16kHz.
func Downsample16to8kHz(pcm []byte) []byte {
	samples := bytesToInt16(pcm)
	if len(samples) == 0 {
		return nil
	}
	out := make([]int16, 0, len(samples)/2+1)
	for i := 0; i < len(samples); i += 2 {
		out = append(out, samples[i])
	}
	return int16ToBytes(out)
}

func bytesToInt16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}
