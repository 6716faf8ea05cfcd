package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/voicecall-runtime/internal/tenant"
	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
)

func lookupEnv(name string) (string, bool) { return os.LookupEnv(name) }

// Event is the minimal carrier webhook payload the handler needs to route
// an event to a session (spec §3: event_type, call_control_id, from, to).
type Event struct {
	EventType     string `json:"event_type"`
	CallControlID string `json:"call_control_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Raw           json.RawMessage
}

// Sessions is the seam the call coordinator's registry satisfies. It lets
// the HTTP layer route events and media frames without depending on
// internal/call directly.
type Sessions interface {
	// HandleWebhookEvent routes a decoded event to its session, creating one
	// on call.answered. Returns orchestrator.ErrNotConfigured if the dialed
	// number has no valid tenant config, orchestrator.ErrUnknownSession if
	// the event references a call with no session and isn't call.answered.
	HandleWebhookEvent(ctx context.Context, event Event) error

	// MediaConn is accepted for an already-created session keyed by the
	// carrier call id; returns orchestrator.ErrUnknownSession if none exists.
	AttachMediaConn(ctx context.Context, callControlID string, conn *websocket.Conn) error
}

// Handler serves the webhook POST endpoint and the media-stream WebSocket
// upgrade endpoint.
type Handler struct {
	sessions          Sessions
	tenantResolver    *tenant.Resolver
	mediaStreamToken  string
	logger            orchestrator.Logger
	now               func() time.Time
}

// NewHandler builds a Handler. mediaStreamToken is the shared bearer token
// required on the media-stream upgrade (spec §4.7).
func NewHandler(sessions Sessions, tenantResolver *tenant.Resolver, mediaStreamToken string, logger orchestrator.Logger) *Handler {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Handler{
		sessions:         sessions,
		tenantResolver:   tenantResolver,
		mediaStreamToken: mediaStreamToken,
		logger:           logger,
		now:              time.Now,
	}
}

// Routes registers the handler's endpoints on a net/http.ServeMux, using
// the Go 1.22 method+wildcard pattern syntax rather than a routing
// framework.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", h.handleWebhook)
	mux.HandleFunc("GET /media-stream/{call_control_id}", h.handleMediaStream)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	evt.Raw = body

	secret, secretErr := h.resolveSecret(r.Context(), evt.To)
	if secretErr != nil {
		h.logger.Warn("webhook rejected: tenant not configured", "request_id", r.Header.Get("X-Request-Id"))
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	sigErr := VerifySignature(
		secret,
		r.Header.Get("Telnyx-Signature"),
		r.Header.Get("Telnyx-Timestamp"),
		body,
		h.now(),
	)
	if sigErr != nil {
		h.logger.Warn("webhook rejected: invalid signature", "request_id", r.Header.Get("X-Request-Id"))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := h.sessions.HandleWebhookEvent(r.Context(), evt); err != nil {
		if err == orchestrator.ErrUnknownSession {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("webhook event handling failed", "error", err, "event_type", evt.EventType)
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resolveSecret(ctx context.Context, dialedNumber string) (string, error) {
	cfg, err := h.tenantResolver.Resolve(ctx, dialedNumber)
	if err != nil {
		return "", err
	}
	secret, ok := cfg.ResolveWebhookSecret(lookupEnv)
	if !ok {
		return "", orchestrator.ErrNotConfigured
	}
	return secret, nil
}

func (h *Handler) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.mediaStreamToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	callControlID := r.PathValue("call_control_id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	if err := h.sessions.AttachMediaConn(r.Context(), callControlID, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "unknown call session")
		return
	}
}
