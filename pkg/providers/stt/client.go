// Package stt implements the speech-to-text service client.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is the decoded STT response body.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Client POSTs raw PCM to the configured STT service endpoint and decodes
// a {text, confidence?} response. Empty text is a valid, non-error
// outcome (spec §4.4).
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds an STT client against endpoint, authenticated with
// apiKey via a bearer token.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		timeout:    20 * time.Second,
	}
}

// Transcribe sends pcm for transcription, retrying once on a 5xx,
// connection reset, or timeout with a 250ms·2^attempt backoff. ctx's
// deadline, if any, bounds the whole call including the retry.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (string, float64, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(250*(1<<attempt)) * time.Millisecond
			if time.Now().Add(backoff).After(deadline) {
				break
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", 0, ctx.Err()
			}
		}

		result, retryable, err := c.attempt(ctx, pcm)
		if err == nil {
			return result.Text, result.Confidence, nil
		}
		lastErr = err
		if !retryable {
			return "", 0, err
		}
	}
	return "", 0, fmt.Errorf("stt transcribe: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, pcm []byte) (Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(pcm))
	if err != nil {
		return Result{}, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "audio/l16; rate=16000; channels=1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return Result{}, true, fmt.Errorf("stt service error (status %d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Result{}, false, fmt.Errorf("stt request rejected (status %d): %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, false, fmt.Errorf("decode stt response: %w", err)
	}
	return result, false, nil
}
