package runtime

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lokutor-ai/voicecall-runtime/internal/call"
	"github.com/lokutor-ai/voicecall-runtime/internal/tenant"
	"github.com/lokutor-ai/voicecall-runtime/internal/webhook"
	"github.com/lokutor-ai/voicecall-runtime/pkg/audio"
	"github.com/lokutor-ai/voicecall-runtime/pkg/endpointer"
	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
	"github.com/lokutor-ai/voicecall-runtime/pkg/providers/stt"
	"github.com/lokutor-ai/voicecall-runtime/pkg/providers/tts"
)

// session is one call's registry entry. Before the media stream attaches
// it only carries the tenant config and caller id resolved from
// call.answered; coord is nil until AttachMediaConn starts the call.
// internalID is the sole key used by capacity accounting and call state;
// the carrier's call_control_id (the sessions map key) is external
// correlation only.
type session struct {
	internalID string
	tenantCfg  tenant.Config
	callerID   string

	coord *call.Coordinator
}

// Registry implements webhook.Sessions, routing carrier webhook events and
// media-stream upgrades to per-call sessions keyed by the carrier's
// call_control_id.
type Registry struct {
	rt *Runtime

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry builds an empty Registry bound to rt.
func NewRegistry(rt *Runtime) *Registry {
	return &Registry{rt: rt, sessions: make(map[string]*session)}
}

// HandleWebhookEvent creates a pending session on call.answered, tears one
// down on call.hangup, and otherwise requires (but does not act on) an
// existing session.
func (reg *Registry) HandleWebhookEvent(ctx context.Context, event webhook.Event) error {
	switch event.EventType {
	case "call.answered":
		cfg, err := reg.rt.Tenants.Resolve(ctx, event.To)
		if err != nil {
			return orchestrator.ErrNotConfigured
		}
		reg.mu.Lock()
		reg.sessions[event.CallControlID] = &session{internalID: uuid.New().String(), tenantCfg: cfg, callerID: event.From}
		reg.mu.Unlock()
		return nil

	case "call.hangup":
		reg.mu.Lock()
		s, ok := reg.sessions[event.CallControlID]
		delete(reg.sessions, event.CallControlID)
		reg.mu.Unlock()
		if !ok {
			return orchestrator.ErrUnknownSession
		}
		if s.coord != nil {
			s.coord.CarrierHangup()
		}
		return nil

	default:
		reg.mu.Lock()
		_, ok := reg.sessions[event.CallControlID]
		reg.mu.Unlock()
		if !ok {
			return orchestrator.ErrUnknownSession
		}
		return nil
	}
}

// AttachMediaConn starts the call against the pending session created by
// call.answered: builds the per-call provider clients and endpointer from
// the tenant config, plays the greeting, and launches the inbound media
// read loop. Returns orchestrator.ErrUnknownSession if no pending session
// matches callControlID.
func (reg *Registry) AttachMediaConn(ctx context.Context, callControlID string, conn *websocket.Conn) error {
	reg.mu.Lock()
	s, ok := reg.sessions[callControlID]
	reg.mu.Unlock()
	if !ok {
		return orchestrator.ErrUnknownSession
	}

	profile := transportProfileFor(s.tenantCfg)
	sink := newMediaSink(conn, profile)

	epCfg := endpointerConfigFor(reg.rt, s.tenantCfg)
	sttClient := stt.NewClient(s.tenantCfg.STT.Endpoint, "")
	ep := endpointer.New(epCfg, sttClient, reg.rt.Logger)

	ttsSession := tts.NewClient(s.tenantCfg.TTS.Endpoint, "").Session()

	callID := s.internalID
	coordLogger := reg.rt.Logger.With(callID, s.tenantCfg.TenantID)

	coord := call.New(call.Config{
		CallID:    callID,
		TenantID:  s.tenantCfg.TenantID,
		CallerID:  s.callerID,
		TenantCfg: s.tenantCfg,

		Brain:      reg.rt.Brain,
		TTSSession: ttsSession,
		Endpointer: ep,
		Playback:   audioPipeline(profile),
		Sink:       sink,

		CapacityController: reg.rt.Capacity,
		CapacityLimits:     reg.rt.CapacityLimitsFor(s.tenantCfg),
		Reporter:           reg.rt.Reporter,
		Logger:             coordLogger,
	})

	if err := coord.Start(ctx, s.tenantCfg.ResolveGreeting()); err != nil {
		reg.playDenialAndClose(ctx, sink, ttsSession, s.tenantCfg, err)
		reg.mu.Lock()
		delete(reg.sessions, callControlID)
		reg.mu.Unlock()
		return nil
	}

	reg.mu.Lock()
	s.coord = coord
	reg.mu.Unlock()

	decoder := audio.NewStreamDecoder([]audio.FrameDecoder{audio.NewMuLawDecoder()}, reg.rt.Config.StreamRestartMax)
	go reg.mediaReadLoop(ctx, callControlID, conn, coord, decoder, profile)

	return nil
}

// remove drops callControlID's session, used by the read loop once the
// media connection has ended.
func (reg *Registry) remove(callControlID string) {
	reg.mu.Lock()
	delete(reg.sessions, callControlID)
	reg.mu.Unlock()
}
