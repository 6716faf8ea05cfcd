package orchestrator

import "errors"

var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	ErrBrainFailed = errors.New("brain generation failed")

	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	ErrNilProvider = errors.New("required provider is nil")

	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrNotConfigured is returned when a dialed number has no tenant, the
	// tenant config is missing, or it fails v1 schema validation.
	ErrNotConfigured = errors.New("tenant not configured")

	// ErrInvalidSignature is returned when a webhook's signature fails
	// verification or its timestamp has skewed beyond the allowed window.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrRateLimited, ErrTenantAtCapacity, ErrSystemAtCapacity are the three
	// explicit capacity denial reasons (spec §4.3), each mapped to a
	// distinct user-audible message by internal/runtime's denialMessage.
	ErrRateLimited      = errors.New("rate_limited")
	ErrTenantAtCapacity = errors.New("tenant_at_capacity")
	ErrSystemAtCapacity = errors.New("system_at_capacity")

	// ErrServiceDegraded is surfaced after a retried transient service call
	// still fails (spec §7: transient_service).
	ErrServiceDegraded = errors.New("service_degraded")

	// ErrStreamFallback marks a brain SSE stream that could not be used and
	// fell back to non-streaming (logged once per call, not user-visible).
	ErrStreamFallback = errors.New("brain stream unavailable, fell back to non-streaming")

	// ErrDecodeFailure marks a media frame that could not be decoded.
	ErrDecodeFailure = errors.New("media frame decode failure")

	// ErrUnknownSession is returned when a media-stream upgrade references a
	// carrier call id with no created session.
	ErrUnknownSession = errors.New("unknown call session")
)
