package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/voicecall-runtime/internal/tenant"
	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

type fakeSessions struct {
	handleErr   error
	attachErr   error
	lastEvent   Event
	lastCallID  string
}

func (f *fakeSessions) HandleWebhookEvent(ctx context.Context, event Event) error {
	f.lastEvent = event
	return f.handleErr
}

func (f *fakeSessions) AttachMediaConn(ctx context.Context, callControlID string, conn *websocket.Conn) error {
	f.lastCallID = callControlID
	return f.attachErr
}

func seedResolverTenant(t *testing.T) (*tenant.Resolver, string) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := tenant.Config{
		ContractVersion: "v1",
		TenantID:        "t1",
		DialedNumbers:   []string{"+15551234567"},
		Caps:            tenant.Caps{MaxConcurrentCalls: 5, MaxCallsPerMinute: 10},
		WebhookSecret:   "shh",
		STT:             tenant.STTConfig{Endpoint: "https://stt.example/listen", ChunkMS: 20, SilenceTimeoutMS: 600, Language: "en"},
		TTS:             tenant.TTSConfig{Backend: tenant.TTSBackendNarrowbandHTTP, Endpoint: "https://tts.example/speak", VoiceID: "v1", SampleRate: 8000},
	}
	raw, _ := json.Marshal(cfg)
	mr.Set("tenantmap:did:+15551234567", "t1")
	mr.Set("tenantcfg:t1", string(raw))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return tenant.NewResolver(client), "shh"
}

func TestHandleWebhookAcceptsValidSignature(t *testing.T) {
	resolver, secret := seedResolverTenant(t)
	sessions := &fakeSessions{}
	h := NewHandler(sessions, resolver, "media-token", nil)
	h.now = func() time.Time { return time.Unix(1700000000, 0) }

	body := []byte(`{"event_type":"call.answered","call_control_id":"cc1","from":"+15559990000","to":"+15551234567"}`)
	ts := strconv.FormatInt(h.now().Unix(), 10)
	sig := sign(secret, ts, body)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytesReader(body))
	req.Header.Set("Telnyx-Signature", sig)
	req.Header.Set("Telnyx-Timestamp", ts)
	w := httptest.NewRecorder()

	h.handleWebhook(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if sessions.lastEvent.CallControlID != "cc1" {
		t.Errorf("expected event routed to session, got %+v", sessions.lastEvent)
	}
}

func TestHandleWebhookRejectsInvalidSignature(t *testing.T) {
	resolver, _ := seedResolverTenant(t)
	sessions := &fakeSessions{}
	h := NewHandler(sessions, resolver, "media-token", nil)
	h.now = func() time.Time { return time.Unix(1700000000, 0) }

	body := []byte(`{"event_type":"call.answered","call_control_id":"cc1","from":"+15559990000","to":"+15551234567"}`)
	ts := strconv.FormatInt(h.now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytesReader(body))
	req.Header.Set("Telnyx-Signature", "wrong")
	req.Header.Set("Telnyx-Timestamp", ts)
	w := httptest.NewRecorder()

	h.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandleWebhookRejectsUnconfiguredTenant(t *testing.T) {
	resolver, _ := seedResolverTenant(t)
	sessions := &fakeSessions{}
	h := NewHandler(sessions, resolver, "media-token", nil)

	body := []byte(`{"event_type":"call.answered","call_control_id":"cc1","from":"+15559990000","to":"+19998887777"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytesReader(body))
	req.Header.Set("Telnyx-Signature", "anything")
	req.Header.Set("Telnyx-Timestamp", "1700000000")
	w := httptest.NewRecorder()

	h.handleWebhook(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unmapped dialed number, got %d", w.Code)
	}
}

func TestHandleWebhookReturns422OnUnknownCall(t *testing.T) {
	resolver, secret := seedResolverTenant(t)
	sessions := &fakeSessions{handleErr: orchestrator.ErrUnknownSession}
	h := NewHandler(sessions, resolver, "media-token", nil)
	h.now = func() time.Time { return time.Unix(1700000000, 0) }

	body := []byte(`{"event_type":"streaming.failed","call_control_id":"unknown","from":"+15559990000","to":"+15551234567"}`)
	ts := strconv.FormatInt(h.now().Unix(), 10)
	sig := sign(secret, ts, body)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytesReader(body))
	req.Header.Set("Telnyx-Signature", sig)
	req.Header.Set("Telnyx-Timestamp", ts)
	w := httptest.NewRecorder()

	h.handleWebhook(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown call, got %d", w.Code)
	}
}

func TestMediaStreamRejectsBadToken(t *testing.T) {
	resolver, _ := seedResolverTenant(t)
	sessions := &fakeSessions{}
	h := NewHandler(sessions, resolver, "media-token", nil)

	serveMux := http.NewServeMux()
	h.Routes(serveMux)

	req := httptest.NewRequest(http.MethodGet, "/media-stream/cc1?token=wrong", nil)
	w := httptest.NewRecorder()
	serveMux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad media stream token, got %d", w.Code)
	}
}
