// Package endpointer implements the streaming speech endpointer: it turns
// a stream of raw ingest frames into partial and final transcripts,
// deciding utterance boundaries from adaptive RMS/peak gating rather than
// a fixed-threshold VAD.
package endpointer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/lokutor-ai/voicecall-runtime/pkg/audio"
	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
)

// State is a position in the endpointer's state machine.
type State int

const (
	StateIdle State = iota
	StateSpeaking
	StateTrailing
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateTrailing:
		return "trailing"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// EventType identifies what an Event carries.
type EventType int

const (
	// EventSpeechStart fires the instant SPEAKING is confirmed. The
	// coordinator uses this to detect barge-in while assistant audio is
	// playing.
	EventSpeechStart EventType = iota
	EventPartial
	EventFinal
)

// Event is emitted on the endpointer's event channel.
type Event struct {
	Type      EventType
	Text      string
	Err       error
	Timestamp time.Time
}

// Transcriber is the STT capability the endpointer dispatches utterances
// to. pkg/providers/stt implements this against the configured STT service.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (text string, confidence float64, err error)
}

// Endpointer consumes 16-bit mono PCM frames for one call and emits
// partial/final transcription events. Not safe for concurrent Ingest
// calls; a call owns exactly one endpointer driven from its single
// processing goroutine, matching the rest of the runtime's concurrency
// model.
type Endpointer struct {
	cfg         Config
	transcriber Transcriber
	logger      orchestrator.Logger
	hp          *audio.HighPassFilter
	aec         *AEC

	events chan Event

	mu    sync.Mutex
	state State

	preRoll    *ringBuffer
	speechBuf  []byte
	gatingOn   bool

	noiseFloor  float64
	sampleCount int

	consecutiveAbove int
	speakingStart    time.Time
	silenceStart     time.Time
	lastFrameAt      time.Time
	lastPartialAt    time.Time

	graceUntil time.Time

	finalizing bool
}

// New builds an Endpointer. transcriber may be nil only in tests that do
// not exercise finalization.
func New(cfg Config, transcriber Transcriber, logger orchestrator.Logger) *Endpointer {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Endpointer{
		cfg:         cfg,
		transcriber: transcriber,
		logger:      logger,
		hp:          audio.NewHighPassFilter(cfg.HighpassCutoffHz, float64(cfg.SampleRate)),
		aec:         NewAEC(cfg.SampleRate),
		events:      make(chan Event, 16),
		state:       StateIdle,
		preRoll:     newRingBuffer(cfg.preRollBytes()),
		gatingOn:    cfg.GatingEnabled,
	}
}

// Events returns the channel partial/final/speech-start events are
// delivered on. The caller must drain it.
func (e *Endpointer) Events() <-chan Event {
	return e.events
}

// AEC exposes the echo canceller so the coordinator's playback writer can
// feed it played audio via RecordPlayback.
func (e *Endpointer) AEC() *AEC {
	return e.aec
}

// NotifyPlaybackStarted arms the post-playback grace window sized
// proportionally to segmentDuration and bounded to the configured
// [min,max] range, so self-echo from a just-finished assistant turn
// doesn't immediately re-trigger SPEAKING.
func (e *Endpointer) NotifyPlaybackStarted(segmentDuration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	grace := clampDuration(segmentDuration,
		time.Duration(e.cfg.PostPlaybackGraceMinMS)*time.Millisecond,
		time.Duration(e.cfg.PostPlaybackGraceMaxMS)*time.Millisecond)
	e.graceUntil = time.Now().Add(grace)
}

// Ingest processes one frame of raw 16-bit mono PCM at the configured
// sample rate. High-pass filtering and (if enabled) echo cancellation are
// applied before gating.
func (e *Endpointer) Ingest(ctx context.Context, frame []byte, now time.Time) {
	if len(frame) == 0 {
		return
	}

	filtered := e.hp.Apply(frame)
	if e.aec.Enabled() {
		before := e.aec.Truncations()
		filtered = e.aec.Process(filtered)
		if n := e.aec.Truncations(); n > before {
			e.logger.Warn("aec muted ingest frame as echo", "truncations", n)
		}
	}

	e.mu.Lock()
	e.lastFrameAt = now

	if !e.graceUntil.IsZero() && now.Before(e.graceUntil) {
		// Within the post-playback grace window: still feed the noise
		// floor estimator (ambient level doesn't change) but never confirm
		// SPEAKING.
		rms := calculateRMS(filtered)
		e.updateNoiseFloor(rms)
		e.mu.Unlock()
		return
	}
	e.graceUntil = time.Time{}

	rms := calculateRMS(filtered)
	peak := calculatePeak(filtered)

	above := e.isAboveFloor(rms, peak)
	if !above {
		e.updateNoiseFloor(rms)
	}

	switch e.state {
	case StateIdle:
		e.preRoll.Write(filtered)
		if above {
			e.consecutiveAbove++
			if e.consecutiveAbove >= e.cfg.FramesRequired {
				e.state = StateSpeaking
				e.speakingStart = now
				e.speechBuf = append(e.preRoll.Snapshot(), filtered...)
				e.consecutiveAbove = 0
				e.emit(Event{Type: EventSpeechStart, Timestamp: now})
			}
		} else {
			e.consecutiveAbove = 0
		}

	case StateSpeaking:
		e.speechBuf = append(e.speechBuf, filtered...)
		if above {
			e.silenceStart = time.Time{}
			e.maybeEmitPartial(ctx, now)
			break
		}
		e.state = StateTrailing
		e.silenceStart = now

	case StateTrailing:
		e.speechBuf = append(e.speechBuf, filtered...)
		if above {
			e.state = StateSpeaking
			e.silenceStart = time.Time{}
			e.maybeEmitPartial(ctx, now)
			break
		}
		if now.Sub(e.silenceStart) >= time.Duration(e.cfg.SilenceEndMS)*time.Millisecond {
			e.beginFinalize(ctx, now)
		}

	case StateFinalizing:
		// Finalization runs in its own goroutine; buffer nothing further
		// for this utterance but keep feeding pre-roll for the next one.
	}
	e.mu.Unlock()
}

// CheckWatchdogs must be polled periodically (e.g. every 250ms) by the
// owning coordinator to enforce the late-final and no-frame watchdogs,
// since Ingest alone cannot observe the passage of time without new
// frames arriving.
func (e *Endpointer) CheckWatchdogs(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateSpeaking, StateTrailing:
		if !e.speakingStart.IsZero() && now.Sub(e.speakingStart) >= time.Duration(e.cfg.LateFinalWatchdogMS)*time.Millisecond {
			e.logger.Warn("endpointer late-final watchdog fired", "elapsed_ms", now.Sub(e.speakingStart).Milliseconds())
			e.beginFinalize(ctx, now)
			return
		}
		if !e.lastFrameAt.IsZero() && now.Sub(e.lastFrameAt) >= time.Duration(e.cfg.NoFrameFinalizeMS)*time.Millisecond {
			e.logger.Warn("endpointer no-frame finalize fired", "elapsed_ms", now.Sub(e.lastFrameAt).Milliseconds())
			e.beginFinalize(ctx, now)
		}
	}
}

// Reset returns the endpointer to IDLE and drops any accumulated speech
// buffer so the next utterance starts clean.
func (e *Endpointer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.speechBuf = nil
	e.consecutiveAbove = 0
	e.silenceStart = time.Time{}
	e.speakingStart = time.Time{}
	e.finalizing = false
}

func (e *Endpointer) isAboveFloor(rms, peak float64) bool {
	if !e.gatingOn {
		return true
	}
	rmsFloor, peakFloor := e.cfg.FloorMinRMS, e.cfg.FloorMinPeak
	if e.sampleCount >= e.cfg.MinSamples {
		if adaptive := e.noiseFloor * e.cfg.Multiplier; adaptive > rmsFloor {
			rmsFloor = adaptive
		}
		if adaptive := e.noiseFloor * e.cfg.Multiplier * 2; adaptive > peakFloor {
			peakFloor = adaptive
		}
	}
	return rms > rmsFloor && peak > peakFloor
}

func (e *Endpointer) updateNoiseFloor(rms float64) {
	e.sampleCount++
	if e.sampleCount == 1 {
		e.noiseFloor = rms
		return
	}
	a := e.cfg.SmoothingAlpha
	e.noiseFloor = a*rms + (1-a)*e.noiseFloor
}

func (e *Endpointer) maybeEmitPartial(ctx context.Context, now time.Time) {
	if e.transcriber == nil {
		return
	}
	elapsed := now.Sub(e.speakingStart)
	if elapsed < time.Duration(e.cfg.PartialMinMS)*time.Millisecond {
		return
	}
	if !e.lastPartialAt.IsZero() && now.Sub(e.lastPartialAt) < time.Duration(e.cfg.PartialIntervalMS)*time.Millisecond {
		return
	}
	e.lastPartialAt = now
	buf := make([]byte, len(e.speechBuf))
	copy(buf, e.speechBuf)
	go func() {
		text, _, err := e.transcriber.Transcribe(ctx, buf)
		if err != nil || text == "" {
			return
		}
		e.emit(Event{Type: EventPartial, Text: text, Timestamp: time.Now()})
	}()
}

// beginFinalize must be called with e.mu held. It snapshots the utterance
// (dropping the trailing silence beyond TailCushionMS) and dispatches
// transcription asynchronously so frame ingestion is never blocked on a
// network round trip.
func (e *Endpointer) beginFinalize(ctx context.Context, now time.Time) {
	if e.finalizing {
		return
	}
	e.finalizing = true
	e.state = StateFinalizing

	utterance := e.trimToTailCushion()
	e.speechBuf = nil
	e.preRoll.Reset()
	e.consecutiveAbove = 0
	e.silenceStart = time.Time{}
	speakingStart := e.speakingStart
	e.speakingStart = time.Time{}

	go e.finalize(ctx, utterance, speakingStart)
}

// trimToTailCushion drops the portion of the trailing silence beyond the
// configured TAIL_CUSHION_MS. The TRAILING state accumulates a full
// SILENCE_END_MS of sub-threshold audio before finalize triggers; only the
// last TAIL_CUSHION_MS of that silence should reach the STT service.
func (e *Endpointer) trimToTailCushion() []byte {
	silenceBytes := msToBytes(e.cfg.SilenceEndMS, e.cfg.SampleRate)
	cushionBytes := e.cfg.tailCushionBytes()

	if silenceBytes <= cushionBytes || len(e.speechBuf) <= silenceBytes {
		out := make([]byte, len(e.speechBuf))
		copy(out, e.speechBuf)
		return out
	}

	cut := len(e.speechBuf) - silenceBytes
	out := make([]byte, 0, cut+cushionBytes)
	out = append(out, e.speechBuf[:cut]...)
	out = append(out, e.speechBuf[len(e.speechBuf)-cushionBytes:]...)
	return out
}

func (e *Endpointer) finalize(ctx context.Context, utterance []byte, speakingStart time.Time) {
	var text string
	var err error
	if e.transcriber != nil {
		text, _, err = e.transcriber.Transcribe(ctx, utterance)
	}
	if err != nil {
		e.logger.Error("stt finalize failed", "error", err, "speaking_ms", time.Since(speakingStart).Milliseconds())
	}
	e.emit(Event{Type: EventFinal, Text: text, Err: err, Timestamp: time.Now()})

	e.mu.Lock()
	e.finalizing = false
	e.state = StateIdle
	e.mu.Unlock()
}

func (e *Endpointer) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("endpointer event channel full, dropping event", "type", int(ev.Type))
	}
}

func calculateRMS(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | (int16(pcm[i+1]) << 8)
		f := float64(s) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func calculatePeak(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | (int16(pcm[i+1]) << 8)
		f := float64(s) / 32768.0
		if f < 0 {
			f = -f
		}
		if f > peak {
			peak = f
		}
	}
	return peak
}
