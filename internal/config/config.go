// Package config loads and validates the runtime's startup configuration
// from the environment, using viper for binding/defaults and godotenv to
// load a local .env file in development (mirrors the teacher cmd/agent's
// use of godotenv, generalized to every configurable surface in the spec).
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full set of startup-time settings recognized by the
// runtime (spec §6 Configuration surface). Invalid values fail startup.
type Config struct {
	Port int

	TelnyxSigningSecret string
	TelnyxDefaultCodec   string

	MediaStreamToken string

	WhisperURL      string
	KokoroURL       string
	CoquiXTTSURL    string
	BrainURL        string
	BrainStreamURL  string

	RedisURL string

	GlobalConcurrencyCap int
	TenantConcurrencyCap int
	TenantPerMinuteCap   int
	CapacityTTLSeconds   int
	CallHardTTLSeconds   int

	AudioStorageDir     string
	AudioPublicBaseURL  string

	ControlPlaneURL string

	TargetSampleRate int
	StreamRestartMax int
}

var portRangeErr = fmt.Errorf("PORT must be between 1 and 65535")

// Load reads .env (if present, missing is not an error), binds the
// recognized environment variables through viper, and validates the
// result. The returned error names the first invalid field found.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("telnyx_default_codec", "PCMU")
	v.SetDefault("global_concurrency_cap", 100)
	v.SetDefault("tenant_concurrency_cap", 10)
	v.SetDefault("tenant_per_minute_cap", 20)
	v.SetDefault("capacity_ttl_seconds", 60)
	v.SetDefault("call_hard_ttl_seconds", 1800)
	v.SetDefault("target_sample_rate", 16000)
	v.SetDefault("stream_restart_max", 3)
	v.SetDefault("audio_storage_dir", "/tmp/voicecall-runtime/audio")

	cfg := Config{
		Port:                 v.GetInt("port"),
		TelnyxSigningSecret:  v.GetString("telnyx_signing_secret"),
		TelnyxDefaultCodec:   v.GetString("telnyx_default_codec"),
		MediaStreamToken:     v.GetString("media_stream_token"),
		WhisperURL:           v.GetString("whisper_url"),
		KokoroURL:            v.GetString("kokoro_url"),
		CoquiXTTSURL:         v.GetString("coqui_xtts_url"),
		BrainURL:             v.GetString("brain_url"),
		BrainStreamURL:       v.GetString("brain_stream_url"),
		RedisURL:             v.GetString("redis_url"),
		GlobalConcurrencyCap: v.GetInt("global_concurrency_cap"),
		TenantConcurrencyCap: v.GetInt("tenant_concurrency_cap"),
		TenantPerMinuteCap:   v.GetInt("tenant_per_minute_cap"),
		CapacityTTLSeconds:   v.GetInt("capacity_ttl_seconds"),
		CallHardTTLSeconds:   v.GetInt("call_hard_ttl_seconds"),
		AudioStorageDir:      v.GetString("audio_storage_dir"),
		AudioPublicBaseURL:   v.GetString("audio_public_base_url"),
		ControlPlaneURL:      v.GetString("control_plane_url"),
		TargetSampleRate:     v.GetInt("target_sample_rate"),
		StreamRestartMax:     v.GetInt("stream_restart_max"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var e164Like = regexp.MustCompile(`^[A-Za-z0-9:/._-]+$`)

func (c Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return portRangeErr
	}
	if c.MediaStreamToken == "" {
		return fmt.Errorf("MEDIA_STREAM_TOKEN is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.BrainURL == "" {
		return fmt.Errorf("BRAIN_URL is required")
	}
	if c.GlobalConcurrencyCap < -1 || c.GlobalConcurrencyCap == 0 {
		return fmt.Errorf("GLOBAL_CONCURRENCY_CAP must be -1 (unlimited) or a positive integer")
	}
	if c.TenantConcurrencyCap < -1 || c.TenantConcurrencyCap == 0 {
		return fmt.Errorf("TENANT_CONCURRENCY_CAP must be -1 (unlimited) or a positive integer")
	}
	if c.TenantPerMinuteCap < -1 || c.TenantPerMinuteCap == 0 {
		return fmt.Errorf("TENANT_PER_MINUTE_CAP must be -1 (unlimited) or a positive integer")
	}
	if c.CapacityTTLSeconds <= 0 {
		return fmt.Errorf("CAPACITY_TTL_SECONDS must be positive")
	}
	if c.CallHardTTLSeconds < 1800 {
		return fmt.Errorf("CALL_HARD_TTL_SECONDS must be at least 1800 (30 minutes)")
	}
	if c.TargetSampleRate != 8000 && c.TargetSampleRate != 16000 {
		return fmt.Errorf("TARGET_SAMPLE_RATE must be 8000 or 16000")
	}
	if c.StreamRestartMax < 0 {
		return fmt.Errorf("STREAM_RESTART_MAX must be non-negative")
	}
	if !e164Like.MatchString(c.TelnyxDefaultCodec) {
		return fmt.Errorf("TELNYX_DEFAULT_CODEC contains invalid characters")
	}
	return nil
}
