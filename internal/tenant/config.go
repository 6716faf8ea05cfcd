// Package tenant resolves a dialed number to a tenant id and loads that
// tenant's validated configuration, caching both in process with a short
// TTL and collapsing concurrent cache misses via singleflight.
package tenant

import (
	"fmt"
	"regexp"
	"strings"
)

// ContractVersion is the only tenant config schema version this runtime
// accepts.
const ContractVersion = "v1"

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// NormalizeDID strips whitespace from a dialed number and validates it
// against the E.164-like pattern the spec requires. Idempotent:
// NormalizeDID(NormalizeDID(x)) == NormalizeDID(x) for any x that
// normalizes successfully.
func NormalizeDID(raw string) (string, error) {
	stripped := strings.Join(strings.Fields(raw), "")
	if !e164.MatchString(stripped) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDID, raw)
	}
	return stripped, nil
}

// STTConfig is a tenant's speech-to-text tuning.
type STTConfig struct {
	Endpoint       string `json:"endpoint"`
	ChunkMS        int    `json:"chunk_ms"`
	SilenceTimeoutMS int  `json:"silence_timeout_ms"`
	Language       string `json:"language"`
	DecodingPrompt string `json:"decoding_prompt,omitempty"`
}

// TTSBackendKind identifies which transport profile a tenant's TTS
// backend serves.
type TTSBackendKind string

const (
	TTSBackendNarrowbandHTTP TTSBackendKind = "narrowband-http"
	TTSBackendHDHTTP         TTSBackendKind = "HD-http"
)

// TTSConfig is a tenant's text-to-speech tuning.
type TTSConfig struct {
	Backend     TTSBackendKind `json:"backend"`
	Endpoint    string         `json:"endpoint"`
	VoiceID     string         `json:"voice_id"`
	SampleRate  int            `json:"sample_rate"`
	Temperature float64        `json:"temperature,omitempty"`
	LengthPenalty float64      `json:"length_penalty,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	TopK        int            `json:"top_k,omitempty"`
	TopP        float64        `json:"top_p,omitempty"`
	Speed       float64        `json:"speed,omitempty"`
	SentenceSplit bool         `json:"sentence_split,omitempty"`
}

// TransferProfile is one named destination the brain may transfer a call
// to via transfer_call.
type TransferProfile struct {
	Name            string `json:"name"`
	Holder          string `json:"holder"`
	Responsibilities string `json:"responsibilities"`
	Destination     string `json:"destination"`
	HoldAudioURL    string `json:"hold_audio_url,omitempty"`
	TimeoutMS       int    `json:"timeout_ms,omitempty"`
}

// Caps are a tenant's admission limits. A value of -1 means unlimited.
type Caps struct {
	MaxConcurrentCalls int `json:"max_concurrent_calls"`
	MaxCallsPerMinute  int `json:"max_calls_per_minute"`
}

// Config is one tenant's full, validated v1 configuration.
type Config struct {
	ContractVersion string            `json:"contract_version"`
	TenantID        string            `json:"tenant_id"`
	DialedNumbers   []string          `json:"dialed_numbers"`
	Caps            Caps              `json:"caps"`
	WebhookSecret   string            `json:"webhook_secret"`
	STT             STTConfig         `json:"stt"`
	TTS             TTSConfig         `json:"tts"`
	TransferProfiles []TransferProfile `json:"transfer_profiles,omitempty"`
	AssistantContext map[string]string `json:"assistant_context,omitempty"`
	Greeting         string            `json:"greeting,omitempty"`
}

// defaultGreeting is played when a tenant config doesn't set one.
const defaultGreeting = "Thanks for calling. How can I help you today?"

// ResolveGreeting returns the tenant's configured greeting, or
// defaultGreeting if none was set.
func (c Config) ResolveGreeting() string {
	if strings.TrimSpace(c.Greeting) == "" {
		return defaultGreeting
	}
	return c.Greeting
}

// Validate enforces the v1 schema invariants (spec §3). It returns the
// first violation found; config loading treats any violation as
// not_configured.
func (c Config) Validate() error {
	if c.ContractVersion != ContractVersion {
		return fmt.Errorf("%w: contract_version %q", ErrSchemaViolation, c.ContractVersion)
	}
	if c.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrSchemaViolation)
	}
	if len(c.DialedNumbers) == 0 {
		return fmt.Errorf("%w: at least one dialed number is required", ErrSchemaViolation)
	}
	for _, n := range c.DialedNumbers {
		if !e164.MatchString(n) {
			return fmt.Errorf("%w: dialed number %q is not E.164", ErrSchemaViolation, n)
		}
	}
	if c.Caps.MaxConcurrentCalls != -1 && c.Caps.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: max_concurrent_calls must be positive or -1", ErrSchemaViolation)
	}
	if c.Caps.MaxCallsPerMinute != -1 && c.Caps.MaxCallsPerMinute <= 0 {
		return fmt.Errorf("%w: max_calls_per_minute must be positive or -1", ErrSchemaViolation)
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook_secret is required", ErrSchemaViolation)
	}
	if c.STT.Endpoint == "" {
		return fmt.Errorf("%w: stt.endpoint is required", ErrSchemaViolation)
	}
	if c.STT.ChunkMS <= 0 || c.STT.SilenceTimeoutMS <= 0 {
		return fmt.Errorf("%w: stt chunk/silence timeouts must be positive", ErrSchemaViolation)
	}
	if c.TTS.Backend != TTSBackendNarrowbandHTTP && c.TTS.Backend != TTSBackendHDHTTP {
		return fmt.Errorf("%w: tts.backend %q is not recognized", ErrSchemaViolation, c.TTS.Backend)
	}
	if c.TTS.Endpoint == "" || c.TTS.VoiceID == "" {
		return fmt.Errorf("%w: tts.endpoint and tts.voice_id are required", ErrSchemaViolation)
	}
	if c.TTS.SampleRate <= 0 {
		return fmt.Errorf("%w: tts.sample_rate must be positive", ErrSchemaViolation)
	}
	for _, tp := range c.TransferProfiles {
		if !e164.MatchString(tp.Destination) {
			return fmt.Errorf("%w: transfer profile %q destination is not E.164", ErrSchemaViolation, tp.Name)
		}
		if tp.TimeoutMS < 0 {
			return fmt.Errorf("%w: transfer profile %q has a negative timeout", ErrSchemaViolation, tp.Name)
		}
	}
	return nil
}

// ResolveWebhookSecret resolves c.WebhookSecret, following an `env:NAME`
// reference through lookupEnv. A missing or empty referenced variable
// counts as "no secret", which fails webhook verification rather than
// silently succeeding with an empty signature key.
func (c Config) ResolveWebhookSecret(lookupEnv func(string) (string, bool)) (string, bool) {
	const envPrefix = "env:"
	if !strings.HasPrefix(c.WebhookSecret, envPrefix) {
		return c.WebhookSecret, c.WebhookSecret != ""
	}
	name := strings.TrimPrefix(c.WebhookSecret, envPrefix)
	val, ok := lookupEnv(name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}
