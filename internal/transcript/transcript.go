// Package transcript assembles the call transcript artifact and reports
// call lifecycle events to the control plane, best-effort.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
)

// Artifact is the full transcript record for one completed or in-progress
// call, the shape persisted and handed to the control plane on call_ended.
type Artifact struct {
	TenantID  string             `json:"tenant_id"`
	CallID    string             `json:"call_id"`
	CallerID  string             `json:"caller_id"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Turns     []orchestrator.Turn `json:"turns"`
}

// DurationMS reports the call's duration in milliseconds, 0 if not ended.
func (a Artifact) DurationMS() int64 {
	if a.EndedAt == nil {
		return 0
	}
	return a.EndedAt.Sub(a.StartedAt).Milliseconds()
}

// Assemble builds the transcript artifact for reporting.
func Assemble(tenantID, callID, callerID string, startedAt time.Time, endedAt *time.Time, t *orchestrator.Transcript) Artifact {
	return Artifact{
		TenantID:  tenantID,
		CallID:    callID,
		CallerID:  callerID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Turns:     t.Turns(),
	}
}

// Reporter posts call lifecycle events to the control plane. Every method
// is best-effort: failures are logged and swallowed, never propagated to
// the call coordinator, matching the "never blocks call progress" design
// note.
type Reporter struct {
	baseURL    string
	httpClient *http.Client
	logger     orchestrator.Logger
}

// NewReporter builds a Reporter posting to baseURL. An empty baseURL
// disables reporting entirely (all methods become no-ops), for deployments
// without a control plane configured.
func NewReporter(baseURL string, logger orchestrator.Logger) *Reporter {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Reporter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

type callStartedPayload struct {
	Event    string    `json:"event"`
	TenantID string    `json:"tenant_id"`
	CallID   string    `json:"call_id"`
	CallerID string    `json:"caller_id"`
	At       time.Time `json:"at"`
}

// CallStarted reports that a call was admitted and entered the greeting
// state.
func (r *Reporter) CallStarted(ctx context.Context, tenantID, callID, callerID string, at time.Time) {
	r.post(ctx, "call_started", callStartedPayload{
		Event: "call_started", TenantID: tenantID, CallID: callID, CallerID: callerID, At: at,
	})
}

type callerMessagePayload struct {
	Event    string    `json:"event"`
	TenantID string    `json:"tenant_id"`
	CallID   string    `json:"call_id"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// CallerMessage reports a finalized caller utterance. Partial transcripts
// are never reported, only finals (resolved Open Question).
func (r *Reporter) CallerMessage(ctx context.Context, tenantID, callID, text string, at time.Time) {
	r.post(ctx, "caller_message", callerMessagePayload{
		Event: "caller_message", TenantID: tenantID, CallID: callID, Text: text, At: at,
	})
}

type callEndedPayload struct {
	Event      string             `json:"event"`
	TenantID   string             `json:"tenant_id"`
	CallID     string             `json:"call_id"`
	CallerID   string             `json:"caller_id"`
	Reason     string             `json:"reason"`
	DurationMS int64              `json:"duration_ms"`
	Transcript []orchestrator.Turn `json:"transcript"`
}

// CallEnded reports call termination with the full transcript attached.
// Like every control-plane report, a failed POST (any error or non-2xx
// status) is retried once after 250ms; if the retry also fails a Warn is
// logged and the report is dropped.
func (r *Reporter) CallEnded(ctx context.Context, artifact Artifact, reason string) {
	payload := callEndedPayload{
		Event:      "call_ended",
		TenantID:   artifact.TenantID,
		CallID:     artifact.CallID,
		CallerID:   artifact.CallerID,
		Reason:     reason,
		DurationMS: artifact.DurationMS(),
		Transcript: artifact.Turns,
	}
	r.post(ctx, "call_ended", payload)
}

func (r *Reporter) post(ctx context.Context, event string, payload interface{}) {
	if r.baseURL == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("control plane payload encode failed", "event", event, "error", err)
		return
	}

	if err := r.attempt(ctx, body); err != nil {
		time.Sleep(250 * time.Millisecond)
		if err := r.attempt(ctx, body); err != nil {
			r.logger.Warn("control plane report failed after retry", "event", event, "error", err)
		}
	}
}

func (r *Reporter) attempt(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}
	return nil
}
