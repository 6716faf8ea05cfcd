// Package tts implements the text-to-speech service client.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

type synthesizeRequest struct {
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id"`
	Rate       float64 `json:"rate"`
	Language   string  `json:"language"`
	SampleRate int     `json:"sample_rate"`
}

// Client POSTs shaped text to the TTS service and returns synthesized
// audio bytes. A single Client is shared across every call on the
// runtime.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a TTS client against endpoint.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Session scopes one call's in-flight TTS requests so the coordinator can
// Abort synthesis that is still running when the caller barges in,
// without affecting any other call sharing the same Client.
func (c *Client) Session() *Session {
	return &Session{client: c}
}

// Session is a single call's handle onto the shared Client.
type Session struct {
	client *Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Synthesize requests audio for text at sampleRate/rate/language/voiceID.
// Text should already be shaped via ShapeText. Only one Synthesize call
// may be in flight per Session at a time; starting a new one implicitly
// aborts the previous.
func (s *Session) Synthesize(ctx context.Context, text, voiceID, language string, rate float64, sampleRate int) ([]byte, string, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	// Synthesize calls on one Session are serialized by the call
	// coordinator's single processing goroutine, so it's always safe to
	// clear s.cancel here: either Abort already did, or nothing newer has
	// replaced it.
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	body, err := json.Marshal(synthesizeRequest{
		Text:       text,
		VoiceID:    voiceID,
		Rate:       rate,
		Language:   language,
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.client.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.client.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("tts service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read tts response: %w", err)
	}
	return audio, resp.Header.Get("Content-Type"), nil
}

// Abort cancels this session's in-flight Synthesize call, if any. It is a
// no-op otherwise, so the coordinator can call it unconditionally on
// barge-in.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
