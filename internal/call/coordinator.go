// Package call implements the per-call state machine that owns a single
// session's media, STT endpointing, brain turn generation, and TTS
// playback, generalizing the single-goroutine-per-stream model the
// reference device agent uses for its local session management.
package call

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/voicecall-runtime/internal/capacity"
	"github.com/lokutor-ai/voicecall-runtime/internal/telemetry"
	"github.com/lokutor-ai/voicecall-runtime/internal/tenant"
	"github.com/lokutor-ai/voicecall-runtime/internal/transcript"
	"github.com/lokutor-ai/voicecall-runtime/pkg/audio"
	"github.com/lokutor-ai/voicecall-runtime/pkg/endpointer"
	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
	"github.com/lokutor-ai/voicecall-runtime/pkg/providers/brain"
	"github.com/lokutor-ai/voicecall-runtime/pkg/providers/tts"
)

// State is a position in the call's lifecycle state machine (spec §4.6).
type State int

const (
	StateCreated State = iota
	StateGreeting
	StateListening
	StateThinking
	StateSpeaking
	StateTransferring
	StateHangingUp
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateTransferring:
		return "transferring"
	case StateHangingUp:
		return "hanging_up"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	deadAirInterval = 8 * time.Second
	maxReprompts    = 2
	watchdogPoll    = 250 * time.Millisecond
)

// OutboundSink is the carrier-facing seam a Coordinator drives: sending
// playback frames, bridging a transfer, and hanging up. The carrier
// signaling protocol itself is out of scope (spec §1); this interface is
// what a concrete carrier adapter implements.
type OutboundSink interface {
	SendFrame(frame []byte) error
	Transfer(to, holdAudioURL string) error
	Hangup() error
}

// Brain is the seam Coordinator uses to generate turns; satisfied by
// *brain.Client.
type Brain interface {
	Generate(ctx context.Context, req brain.Request) (brain.Response, error)
	Stream(ctx context.Context, req brain.Request) (<-chan brain.StreamEvent, error)
}

// Transcriber is the seam Coordinator's endpointer uses for STT; satisfied
// by *stt.Client.
type Transcriber = endpointer.Transcriber

// Coordinator owns one call's full session lifecycle. Its state is guarded
// by mu: the event-processing, watchdog and dead-air goroutines started by
// Start, the per-turn generation goroutine, and IngestFrame (which feeds
// the endpointer directly) all run concurrently.
type Coordinator struct {
	callID   string
	tenantID string
	callerID string
	cfg      tenant.Config

	brain      Brain
	ttsSession *tts.Session
	ep         *endpointer.Endpointer
	playback   *audio.Pipeline
	sink       OutboundSink

	capacityCtl    *capacity.Controller
	capacityLimits capacity.Limits
	reporter       *transcript.Reporter
	transcript     *orchestrator.Transcript
	logger         orchestrator.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	brainCancel     context.CancelFunc
	repromptCount   int
	lastActivityAt  time.Time
	startedAt       time.Time
	endedAt         *time.Time

	teardownOnce sync.Once
}

// Config bundles the dependencies a Coordinator needs; assembled by
// internal/runtime per call.
type Config struct {
	CallID   string
	TenantID string
	CallerID string
	TenantCfg tenant.Config

	Brain      Brain
	TTSSession *tts.Session
	Endpointer *endpointer.Endpointer
	Playback   *audio.Pipeline
	Sink       OutboundSink

	CapacityController *capacity.Controller
	CapacityLimits      capacity.Limits
	Reporter            *transcript.Reporter
	Logger              orchestrator.Logger
}

// New builds a Coordinator in StateCreated. Call Start to admit it and
// begin processing.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Coordinator{
		callID:         cfg.CallID,
		tenantID:       cfg.TenantID,
		callerID:       cfg.CallerID,
		cfg:            cfg.TenantCfg,
		brain:          cfg.Brain,
		ttsSession:     cfg.TTSSession,
		ep:             cfg.Endpointer,
		playback:       cfg.Playback,
		sink:           cfg.Sink,
		capacityCtl:    cfg.CapacityController,
		capacityLimits: cfg.CapacityLimits,
		reporter:       cfg.Reporter,
		transcript:     &orchestrator.Transcript{},
		logger:         logger,
		state:          StateCreated,
	}
}

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start reserves capacity, plays the greeting, transitions to LISTENING,
// and launches the endpointer event loop and watchdog poller. Returns the
// denial error from the capacity controller if admission fails; the
// caller is responsible for mapping that to a user-audible message and
// tearing down (spec §7's capacity denial scenarios play a message before
// hangup, which happens above this layer since it precedes session
// creation in some carriers and follows it in others).
func (c *Coordinator) Start(ctx context.Context, greeting string) error {
	if err := c.capacityCtl.Reserve(ctx, c.callID, c.tenantID, c.capacityLimits); err != nil {
		return err
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.startedAt = time.Now()
	c.setState(StateGreeting)
	telemetry.CallStarted(c.ctx, c.tenantID)
	if c.reporter != nil {
		go c.reporter.CallStarted(context.Background(), c.tenantID, c.callID, c.callerID, c.startedAt)
	}

	c.appendTurn(orchestrator.RoleAssistant, greeting)
	c.playText(c.ctx, greeting)

	c.setState(StateListening)
	c.resetDeadAir()

	go c.eventLoop()
	go c.watchdogLoop()
	go c.deadAirLoop()

	return nil
}

// IngestFrame forwards one decoded PCM frame to the endpointer. Safe to
// call concurrently with the event loop; the endpointer itself
// serializes via its own mutex (pkg/endpointer).
func (c *Coordinator) IngestFrame(frame []byte) {
	if c.ep == nil {
		return
	}
	c.ep.Ingest(c.ctx, frame, time.Now())
}

func (c *Coordinator) eventLoop() {
	for {
		select {
		case evt, ok := <-c.ep.Events():
			if !ok {
				return
			}
			c.handleEndpointerEvent(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) watchdogLoop() {
	ticker := time.NewTicker(watchdogPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.ep.CheckWatchdogs(c.ctx, time.Now())
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleEndpointerEvent(evt endpointer.Event) {
	switch evt.Type {
	case endpointer.EventSpeechStart:
		if c.State() == StateSpeaking {
			c.bargeIn()
		}
		c.resetDeadAir()
	case endpointer.EventPartial:
		c.resetDeadAir()
	case endpointer.EventFinal:
		if evt.Err != nil || strings.TrimSpace(evt.Text) == "" {
			return
		}
		c.handleFinal(evt.Text)
	}
}

func (c *Coordinator) handleFinal(text string) {
	if c.State() != StateListening {
		return
	}
	c.resetDeadAir()
	c.appendTurn(orchestrator.RoleUser, text)
	c.reportCallerMessage(text)
	c.setState(StateThinking)

	go c.generateAndRespond(text)
}

func (c *Coordinator) generateAndRespond(text string) {
	c.mu.Lock()
	brainCtx, brainCancel := context.WithCancel(c.ctx)
	c.brainCancel = brainCancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.brainCancel != nil {
			c.brainCancel = nil
		}
		c.mu.Unlock()
	}()

	req := brain.Request{
		Transcript:       text,
		History:          c.historyAsMessages(),
		AssistantContext: formatAssistantContext(c.cfg.AssistantContext),
	}
	for _, p := range c.cfg.TransferProfiles {
		req.TransferProfiles = append(req.TransferProfiles, p.Name)
	}

	segmenter := brain.NewSegmenter(60, 120)
	firstSegment := true
	var final brain.Response
	var sawFinal bool

	events, err := c.brain.Stream(brainCtx, req)
	if err == orchestrator.ErrStreamFallback {
		resp, genErr := c.brain.Generate(brainCtx, req)
		if genErr != nil {
			c.failTurn(genErr)
			return
		}
		final = resp
		sawFinal = true
		c.speakSegment(brainCtx, resp.Text, &firstSegment)
	} else if err != nil {
		c.failTurn(err)
		return
	} else {
		for evt := range events {
			if brainCtx.Err() != nil {
				return
			}
			switch evt.Type {
			case brain.StreamToken:
				if seg, ok := segmenter.Push(evt.Text); ok {
					c.speakSegment(brainCtx, seg, &firstSegment)
				}
			case brain.StreamDone:
				final = evt.Done
				sawFinal = true
			}
		}
		if rest, ok := segmenter.Flush(); ok {
			c.speakSegment(brainCtx, rest, &firstSegment)
		}
	}

	if brainCtx.Err() != nil {
		return
	}
	if !sawFinal {
		return
	}

	c.finishTurn(brainCtx, final)
}

func (c *Coordinator) speakSegment(ctx context.Context, text string, first *bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if *first {
		c.setState(StateSpeaking)
		*first = false
	}
	if ctx.Err() != nil {
		return
	}
	c.appendTurn(orchestrator.RoleAssistant, text)
	telemetry.TTSSegmentSynthesized(ctx, c.tenantID)
	c.playText(ctx, text)
}

func (c *Coordinator) finishTurn(ctx context.Context, resp brain.Response) {
	if ctx.Err() != nil {
		return
	}

	// Explicit end_call / transfer_call tool calls take precedence over
	// any goodbye-style heuristic applied to the free-form text.
	switch {
	case resp.Hangup != nil:
		c.hangupCall(resp.Hangup.GoodbyeMessage)
		return
	case resp.Transfer != nil:
		c.transferCall(*resp.Transfer)
		return
	}

	if isFarewell(resp.Text) && c.priorTurnAskedClosingQuestion() {
		// The response text was already spoken by speakSegment above; the
		// goodbye message here is empty because there's nothing new left to
		// say.
		c.hangupCall("")
		return
	}

	if c.State() == StateSpeaking {
		c.setState(StateListening)
		c.resetDeadAir()
	}
}

var farewellPhrases = []string{
	"goodbye",
	"good bye",
	"have a great day",
	"have a good day",
	"have a nice day",
	"take care",
	"bye now",
	"bye for now",
}

// isFarewell reports whether text reads as a caller-facing sign-off, per the
// "hangup on goodbye" heuristic.
func isFarewell(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range farewellPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

var closingQuestionPhrases = []string{
	"anything else",
	"is there anything",
	"anything more",
	"something else",
}

// priorTurnAskedClosingQuestion reports whether the assistant turn that
// preceded the caller's most recent utterance asked a closing question
// (e.g. "anything else I can help with?"). It walks back past the
// assistant segments just appended for the current response and the
// triggering user turn to find that prior assistant turn.
func (c *Coordinator) priorTurnAskedClosingQuestion() bool {
	turns := c.transcript.Turns()

	i := len(turns) - 1
	for i >= 0 && turns[i].Role == orchestrator.RoleAssistant {
		i--
	}
	for i >= 0 && turns[i].Role == orchestrator.RoleUser {
		i--
	}
	if i < 0 || turns[i].Role != orchestrator.RoleAssistant {
		return false
	}

	lower := strings.ToLower(turns[i].Content)
	for _, phrase := range closingQuestionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func (c *Coordinator) failTurn(err error) {
	c.logger.Error("brain turn failed", "call_id", c.callID, "error", err)
	if c.State() == StateThinking || c.State() == StateSpeaking {
		c.setState(StateListening)
		c.resetDeadAir()
	}
}

// bargeIn cancels the in-flight brain stream and playback, marks a
// synthetic transcript boundary, and returns to LISTENING (spec §4.6).
func (c *Coordinator) bargeIn() {
	c.mu.Lock()
	brainCancel := c.brainCancel
	c.brainCancel = nil
	c.mu.Unlock()

	if brainCancel != nil {
		brainCancel()
	}
	if c.ttsSession != nil {
		c.ttsSession.Abort()
	}

	c.transcript.Append(orchestrator.RoleSystem, "[barge-in]", time.Now())
	c.setState(StateListening)
	c.resetDeadAir()
}

func (c *Coordinator) transferCall(t brain.TransferCall) {
	c.setState(StateTransferring)
	if t.MessageToCaller != "" {
		c.appendTurn(orchestrator.RoleAssistant, t.MessageToCaller)
		c.playText(c.ctx, t.MessageToCaller)
	}

	profile := c.findTransferProfile(t.To)
	holdURL := ""
	if profile != nil {
		holdURL = profile.HoldAudioURL
	}
	if c.sink != nil {
		if err := c.sink.Transfer(t.To, holdURL); err != nil {
			c.logger.Warn("transfer bridge failed", "call_id", c.callID, "error", err)
		}
	}
	c.Teardown("transfer")
}

func (c *Coordinator) findTransferProfile(destination string) *tenant.TransferProfile {
	for i := range c.cfg.TransferProfiles {
		if c.cfg.TransferProfiles[i].Destination == destination {
			return &c.cfg.TransferProfiles[i]
		}
	}
	return nil
}

func (c *Coordinator) hangupCall(goodbyeMessage string) {
	c.setState(StateHangingUp)
	if goodbyeMessage != "" {
		c.appendTurn(orchestrator.RoleAssistant, goodbyeMessage)
		c.playText(c.ctx, goodbyeMessage)
	}
	if c.sink != nil {
		if err := c.sink.Hangup(); err != nil {
			c.logger.Warn("carrier hangup failed", "call_id", c.callID, "error", err)
		}
	}
	c.Teardown("hangup")
}

// CarrierHangup is invoked when the carrier reports the call ended
// independently of our own hangup (spec §4.6: "Any state → HANGING_UP on
// ... carrier hangup").
func (c *Coordinator) CarrierHangup() {
	if c.State() == StateHangingUp || c.State() == StateTransferring {
		return
	}
	c.setState(StateHangingUp)
	c.Teardown("carrier_hangup")
}

func (c *Coordinator) resetDeadAir() {
	c.mu.Lock()
	c.repromptCount = 0
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// touchActivity resets the dead-air idle clock without clearing the
// reprompt count, so repeated reprompts still accumulate toward
// maxReprompts.
func (c *Coordinator) touchActivity() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// deadAirLoop plays a reprompt after deadAirInterval of silence in
// LISTENING, hanging up after maxReprompts consecutive reprompts go
// unanswered (spec §4.6 dead-air handling).
func (c *Coordinator) deadAirLoop() {
	ticker := time.NewTicker(deadAirInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.checkDeadAir() {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// checkDeadAir runs one dead-air check, reporting after a reprompt or
// hangup. It returns true once the call has been hung up, so deadAirLoop
// knows to stop ticking.
func (c *Coordinator) checkDeadAir() bool {
	if c.State() != StateListening {
		return false
	}
	c.mu.Lock()
	idle := time.Since(c.lastActivityAt)
	c.mu.Unlock()
	if idle < deadAirInterval {
		return false
	}

	c.mu.Lock()
	c.repromptCount++
	count := c.repromptCount
	c.mu.Unlock()

	if count > maxReprompts {
		c.hangupCall("I haven't heard from you, so I'll end the call here. Goodbye.")
		return true
	}
	c.touchActivity()
	c.playText(c.ctx, "Are you still there?")
	return false
}

// playText synthesizes and plays one piece of assistant text, skipping
// playback entirely if the call has already torn down (spec's "no
// playback after hangup" edge case).
func (c *Coordinator) playText(ctx context.Context, text string) {
	if c.ttsSession == nil || c.playback == nil || c.sink == nil {
		return
	}
	if c.isTerminal() {
		return
	}

	shaped := tts.ShapeText(text)
	pcm, _, err := c.ttsSession.Synthesize(ctx, shaped, c.cfg.TTS.VoiceID, "", c.cfg.TTS.Speed, c.cfg.TTS.SampleRate)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("tts synthesis failed", "call_id", c.callID, "error", err)
		}
		return
	}

	for _, frame := range c.playback.Prepare(pcm) {
		if ctx.Err() != nil || c.isTerminal() {
			return
		}
		if err := c.sink.SendFrame(frame); err != nil {
			c.logger.Warn("send frame failed", "call_id", c.callID, "error", err)
			return
		}
	}
}

func (c *Coordinator) isTerminal() bool {
	switch c.State() {
	case StateHangingUp, StateTransferring, StateFailed:
		return true
	default:
		return false
	}
}

func (c *Coordinator) appendTurn(role orchestrator.Role, content string) {
	c.transcript.Append(role, content, time.Now())
}

func (c *Coordinator) reportCallerMessage(text string) {
	if c.reporter == nil {
		return
	}
	go c.reporter.CallerMessage(context.Background(), c.tenantID, c.callID, text, time.Now())
}

// formatAssistantContext flattens a tenant's keyed assistant context into
// the single string the brain request carries, in stable key order.
func formatAssistantContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(ctx[k])
	}
	return b.String()
}

func (c *Coordinator) historyAsMessages() []brain.Message {
	turns := c.transcript.Turns()
	out := make([]brain.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == orchestrator.RoleSystem {
			continue
		}
		out = append(out, brain.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// Teardown runs the 5-stage shutdown exactly once (spec §4.6): cancel
// in-flight operations, release capacity, emit the transcript best-effort,
// report call_ended best-effort, free session state.
func (c *Coordinator) Teardown(reason string) {
	c.teardownOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if c.capacityCtl != nil {
			if err := c.capacityCtl.Release(releaseCtx, c.callID, c.capacityLimits); err != nil {
				c.logger.Warn("capacity release failed", "call_id", c.callID, "error", err)
			}
		}

		now := time.Now()
		c.mu.Lock()
		c.endedAt = &now
		c.mu.Unlock()

		artifact := transcript.Assemble(c.tenantID, c.callID, c.callerID, c.startedAt, &now, c.transcript)

		if c.reporter != nil {
			reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer reportCancel()
			c.reporter.CallEnded(reportCtx, artifact, reason)
		}

		telemetry.CallEnded(context.Background(), c.tenantID, reason)
	})
}

// Fail promotes the call to FAILED and tears it down, per the spec's
// dead-letter handling: any uncaught error inside a transition promotes
// to FAILED.
func (c *Coordinator) Fail(err error) {
	c.logger.Error("call failed", "call_id", c.callID, "error", err)
	c.setState(StateFailed)
	c.Teardown("failed")
}
