package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for linear PCM16 mono
// audio, laid out field-by-field so EncodeWAV can write it in one shot
// instead of one binary.Write call per field.
type wavHeader struct {
	RIFFID       [4]byte
	ChunkSize    uint32
	WaveID       [4]byte
	FmtID        [4]byte
	FmtChunkSize uint32
	AudioFormat  uint16
	Channels     uint16
	SampleRate   uint32
	ByteRate     uint32
	BlockAlign   uint16
	BitsPerSamp  uint16
	DataID       [4]byte
	DataSize     uint32
}

// EncodeWAV wraps linear PCM16 mono samples in a canonical WAV container,
// for the rare case a developer tool needs to drop a call's audio to disk
// for manual inspection. The runtime itself never persists audio (no
// persistent call archival beyond text transcripts); this exists for
// cmd/simdevice's optional local recording.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const bitsPerSample = 16
	const channels = 1
	blockAlign := uint16(channels * bitsPerSample / 8)

	h := wavHeader{
		RIFFID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:    uint32(36 + len(pcm)),
		WaveID:       [4]byte{'W', 'A', 'V', 'E'},
		FmtID:        [4]byte{'f', 'm', 't', ' '},
		FmtChunkSize: 16,
		AudioFormat:  1,
		Channels:     channels,
		SampleRate:   uint32(sampleRate),
		ByteRate:     uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:   blockAlign,
		BitsPerSamp:  bitsPerSample,
		DataID:       [4]byte{'d', 'a', 't', 'a'},
		DataSize:     uint32(len(pcm)),
	}

	buf := new(bytes.Buffer)
	buf.Grow(44 + len(pcm))
	binary.Write(buf, binary.LittleEndian, h)
	buf.Write(pcm)
	return buf.Bytes()
}

// RecordingFilename builds a stable, collision-resistant name for a local
// debug recording: the dialed number and call id identify which simulated
// call produced it, and the timestamp separates repeated runs against the
// same number.
func RecordingFilename(dialedNumber, callID string, at time.Time) string {
	clean := func(s string) string {
		s = strings.TrimPrefix(s, "+")
		s = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			default:
				return '-'
			}
		}, s)
		return s
	}
	return fmt.Sprintf("%s_%s_%s.wav", clean(dialedNumber), clean(callID), at.UTC().Format("20060102T150405Z"))
}
