package tts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionSynthesizeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("fake-audio-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	sess := c.Session()
	audio, contentType, err := sess.Synthesize(context.Background(), "hello.", "voice-1", "en-US", 1.0, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "fake-audio-bytes" {
		t.Errorf("expected audio bytes, got %q", audio)
	}
	if contentType != "audio/wav" {
		t.Errorf("expected content-type audio/wav, got %q", contentType)
	}
}

func TestSessionSynthesizeServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	_, _, err := c.Session().Synthesize(context.Background(), "hello.", "voice-1", "en-US", 1.0, 16000)
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestSessionAbortCancelsInFlightRequest(t *testing.T) {
	unblock := make(chan struct{})
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client goes away.
		io.Copy(io.Discard, r.Body)
		close(arrived)
		<-r.Context().Done()
		close(unblock)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	sess := c.Session()

	done := make(chan error, 1)
	go func() {
		_, _, err := sess.Synthesize(context.Background(), "hello.", "voice-1", "en-US", 1.0, 16000)
		done <- err
	}()

	// Wait for the request to land on the server, then abort it.
	<-arrived
	select {
	case <-unblock:
		t.Fatal("server unblocked before Abort was called")
	default:
	}
	sess.Abort()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Abort to surface as an error from Synthesize")
		}
	case <-unblock:
	}
}

func TestSessionAbortWithoutInFlightCallIsNoop(t *testing.T) {
	c := NewClient("http://example.invalid", "key")
	sess := c.Session()
	if err := sess.Abort(); err != nil {
		t.Errorf("expected no-op Abort to return nil, got %v", err)
	}
}
