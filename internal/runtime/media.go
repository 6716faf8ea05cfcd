package runtime

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/voicecall-runtime/internal/call"
	"github.com/lokutor-ai/voicecall-runtime/internal/tenant"
	"github.com/lokutor-ai/voicecall-runtime/pkg/audio"
	"github.com/lokutor-ai/voicecall-runtime/pkg/endpointer"
	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
	"github.com/lokutor-ai/voicecall-runtime/pkg/providers/tts"
)

// mediaEnvelope is the carrier's media-streaming message shape: a "start"
// event carries the negotiated codec, "media" events carry one
// base64-encoded frame, "stop" ends the track.
type mediaEnvelope struct {
	Event string `json:"event"`
	Media struct {
		Payload string `json:"payload"`
		Track   string `json:"track,omitempty"`
	} `json:"media,omitempty"`
	Start struct {
		MediaFormat struct {
			Encoding string `json:"encoding"`
		} `json:"media_format"`
	} `json:"start,omitempty"`
}

func transportProfileFor(cfg tenant.Config) audio.TransportProfile {
	if cfg.TTS.SampleRate >= 16000 {
		return audio.ProfileHD
	}
	return audio.ProfileNarrowband
}

func audioPipeline(profile audio.TransportProfile) *audio.Pipeline {
	return audio.NewPipeline(profile)
}

// endpointerConfigFor builds the per-call endpointer tuning: the runtime's
// default, with a tenant's STT chunking/silence overrides layered on and
// the sample rate pinned to the runtime's configured internal rate.
func endpointerConfigFor(rt *Runtime, cfg tenant.Config) endpointer.Config {
	epCfg := endpointer.DefaultConfig()
	epCfg.SampleRate = rt.Config.TargetSampleRate
	if cfg.STT.ChunkMS > 0 {
		epCfg.FrameDurationMS = cfg.STT.ChunkMS
	}
	if cfg.STT.SilenceTimeoutMS > 0 {
		epCfg.SilenceEndMS = cfg.STT.SilenceTimeoutMS
	}
	return epCfg
}

// mediaSink adapts a carrier media WebSocket connection to
// call.OutboundSink. Carrier call-control signaling (actually bridging a
// transfer, issuing a REST hangup) is out of scope (spec §1); Transfer and
// Hangup close the media connection as the visible side of those actions.
type mediaSink struct {
	conn    *websocket.Conn
	profile audio.TransportProfile
}

func newMediaSink(conn *websocket.Conn, profile audio.TransportProfile) *mediaSink {
	return &mediaSink{conn: conn, profile: profile}
}

func (m *mediaSink) SendFrame(frame []byte) error {
	var env mediaEnvelope
	env.Event = "media"
	env.Media.Payload = base64.StdEncoding.EncodeToString(frame)
	env.Media.Track = "outbound"
	return wsjson.Write(context.Background(), m.conn, env)
}

func (m *mediaSink) Transfer(to, holdAudioURL string) error {
	return m.conn.Close(websocket.StatusNormalClosure, "transferred")
}

func (m *mediaSink) Hangup() error {
	return m.conn.Close(websocket.StatusNormalClosure, "call ended")
}

var _ call.OutboundSink = (*mediaSink)(nil)

// playDenialAndClose synthesizes a capacity-denial message directly
// through ttsSession and writes it to sink before closing the connection,
// for the case where admission is denied before a Coordinator ever starts
// (spec §7's capacity-denial scenarios: message played, then hangup).
func (reg *Registry) playDenialAndClose(ctx context.Context, sink *mediaSink, ttsSession *tts.Session, cfg tenant.Config, reason error) {
	message := denialMessage(reason)
	pcm, _, err := ttsSession.Synthesize(ctx, message, cfg.TTS.VoiceID, "", cfg.TTS.Speed, cfg.TTS.SampleRate)
	if err == nil {
		pipeline := audio.NewPipeline(sink.profile)
		for _, frame := range pipeline.Prepare(pcm) {
			_ = sink.SendFrame(frame)
		}
	}
	_ = sink.Hangup()
}

func denialMessage(reason error) string {
	switch {
	case errors.Is(reason, orchestrator.ErrRateLimited):
		return "We're experiencing high call volume right now. Please try again in a minute."
	case errors.Is(reason, orchestrator.ErrTenantAtCapacity):
		return "All of our lines are busy right now. Please try again shortly."
	case errors.Is(reason, orchestrator.ErrSystemAtCapacity):
		return "Our phone system is at capacity right now. Please try again shortly."
	default:
		return "We're unable to take your call right now. Please try again later."
	}
}

// mediaReadLoop decodes inbound frames for one call until the connection
// closes or the codec-fallback restart budget is exhausted, feeding
// decoded PCM to coord and cleaning up the registry entry on exit.
func (reg *Registry) mediaReadLoop(ctx context.Context, callControlID string, conn *websocket.Conn, coord *call.Coordinator, decoder *audio.StreamDecoder, profile audio.TransportProfile) {
	defer reg.remove(callControlID)

	for {
		var env mediaEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}

		switch env.Event {
		case "media":
			raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil || len(raw) == 0 {
				continue
			}
			pcm, err := decoder.Decode(raw)
			if err != nil {
				if errors.Is(err, audio.ErrStreamExhausted) {
					coord.Fail(err)
					return
				}
				continue
			}
			if profile == audio.ProfileNarrowband {
				pcm = audio.Resample8to16kHz(pcm)
			}
			coord.IngestFrame(pcm)
		case "stop":
			return
		}
	}
}
