package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the call screening service.
type Config struct {
	BindAddr           string
	PublicBaseURL      string
	ShutdownTimeout    time.Duration
	SessionRetention   time.Duration
	SessionInactivity  time.Duration
	MetricsNamespace   string
	LogLevel           string
	LogFormat          string
	AllowAnyOrigin     bool
	TwilioAuthToken    string
	CallerHashSalt     string
	GreetingText       string
	RepromptText       string
	FallbackText       string
	VoiceLanguage      string
	VoiceRate          float64
	BargeInThreshold   time.Duration
	ShortUtterance     int
	TurnDebounce       time.Duration
	SilenceTimeout     time.Duration
	EndGrace           time.Duration
	PlaybackCapacity   int
	OracleTimeout      time.Duration
	SynthesisTimeout   time.Duration
	SummaryTimeout     time.Duration
	NotifyTimeout      time.Duration
	WitnessStepTimeout time.Duration

	VoiceProvider string

	AssemblyAIAPIKey  string
	AssemblyAIWSURL   string
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsVoiceID string
	ElevenLabsModelID string

	OracleMode    string
	OracleHTTPURL string
	OracleChatURL string
	OracleAPIKey  string
	OracleModelID string

	WitnessMode        string
	AttestationURL     string
	CompressionURL     string
	RegistryURL        string
	WitnessServiceAuth string

	DatabaseURL       string
	WitnessSQLitePath string

	SlackWebhookURL     string
	SupabaseURL         string
	SupabaseServiceRole string
	SupabaseBucket      string
}

// Load reads a local .env file when present, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:    strings.TrimRight(stringsTrimSpace("APP_PUBLIC_BASE_URL"), "/"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callscreen"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		TwilioAuthToken:  stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		CallerHashSalt:   stringsTrimSpace("CALLER_HASH_SALT"),
		GreetingText: envOrDefault("CALL_GREETING_TEXT",
			"Hi, you've reached an automated screening assistant. Who's calling, and what is this about?"),
		RepromptText:  envOrDefault("CALL_REPROMPT_TEXT", "Are you still there? Please tell me why you're calling."),
		FallbackText:  envOrDefault("CALL_FALLBACK_TEXT", "Sorry, I didn't catch that. Could you say it again?"),
		VoiceLanguage: envOrDefault("VOICE_LANGUAGE", "en"),
		VoiceRate:     1.0,
		VoiceProvider: envOrDefault("VOICE_PROVIDER", "auto"),

		AssemblyAIAPIKey:  stringsTrimSpace("ASSEMBLYAI_API_KEY"),
		AssemblyAIWSURL:   envOrDefault("ASSEMBLYAI_WS_URL", "wss://streaming.assemblyai.com/v3/ws"),
		ElevenLabsAPIKey:  stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL: envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoiceID: envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID: envOrDefault("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),

		OracleMode:    envOrDefault("ORACLE_MODE", "auto"),
		OracleHTTPURL: stringsTrimSpace("ORACLE_HTTP_URL"),
		OracleChatURL: envOrDefault("ORACLE_CHAT_URL", "https://api.cerebras.ai/v1/chat/completions"),
		OracleAPIKey:  stringsTrimSpace("ORACLE_API_KEY"),
		OracleModelID: envOrDefault("ORACLE_MODEL_ID", "gpt-oss-120b"),

		WitnessMode:        envOrDefault("WITNESS_MODE", "http"),
		AttestationURL:     stringsTrimSpace("WITNESS_ATTESTATION_URL"),
		CompressionURL:     stringsTrimSpace("WITNESS_COMPRESSION_URL"),
		RegistryURL:        stringsTrimSpace("WITNESS_REGISTRY_URL"),
		WitnessServiceAuth: stringsTrimSpace("WITNESS_SERVICE_TOKEN"),

		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		WitnessSQLitePath: stringsTrimSpace("WITNESS_SQLITE_PATH"),

		SlackWebhookURL:     stringsTrimSpace("SLACK_WEBHOOK_URL"),
		SupabaseURL:         stringsTrimSpace("SUPABASE_URL"),
		SupabaseServiceRole: stringsTrimSpace("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:      envOrDefault("SUPABASE_BUCKET", "call-decisions"),

		ShutdownTimeout:    15 * time.Second,
		SessionRetention:   10 * time.Minute,
		SessionInactivity:  2 * time.Minute,
		BargeInThreshold:   800 * time.Millisecond,
		ShortUtterance:     5,
		TurnDebounce:       1500 * time.Millisecond,
		SilenceTimeout:     12 * time.Second,
		EndGrace:           1200 * time.Millisecond,
		PlaybackCapacity:   32,
		OracleTimeout:      15 * time.Second,
		SynthesisTimeout:   10 * time.Second,
		SummaryTimeout:     8 * time.Second,
		NotifyTimeout:      5 * time.Second,
		WitnessStepTimeout: 60 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_RETENTION", &cfg.SessionRetention},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivity},
		{"CALL_BARGE_IN_THRESHOLD", &cfg.BargeInThreshold},
		{"CALL_DEBOUNCE", &cfg.TurnDebounce},
		{"CALL_SILENCE_TIMEOUT", &cfg.SilenceTimeout},
		{"CALL_END_GRACE", &cfg.EndGrace},
		{"ORACLE_TIMEOUT", &cfg.OracleTimeout},
		{"SYNTHESIS_TIMEOUT", &cfg.SynthesisTimeout},
		{"SUMMARY_TIMEOUT", &cfg.SummaryTimeout},
		{"NOTIFY_TIMEOUT", &cfg.NotifyTimeout},
		{"WITNESS_STEP_TIMEOUT", &cfg.WitnessStepTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.ShortUtterance, err = intFromEnv("CALL_SHORT_UTTERANCE_WORDS", cfg.ShortUtterance)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackCapacity, err = intFromEnv("CALL_PLAYBACK_CAPACITY", cfg.PlaybackCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceRate, err = floatFromEnv("VOICE_RATE", cfg.VoiceRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.ShortUtterance <= 0 {
		return fmt.Errorf("CALL_SHORT_UTTERANCE_WORDS must be positive")
	}
	if c.PlaybackCapacity <= 0 {
		return fmt.Errorf("CALL_PLAYBACK_CAPACITY must be positive")
	}
	if c.BargeInThreshold < 0 {
		return fmt.Errorf("CALL_BARGE_IN_THRESHOLD must be >= 0")
	}
	if c.TurnDebounce <= 0 {
		return fmt.Errorf("CALL_DEBOUNCE must be positive")
	}
	if c.SilenceTimeout < time.Second {
		return fmt.Errorf("CALL_SILENCE_TIMEOUT must be at least 1s")
	}
	if c.VoiceRate <= 0 || c.VoiceRate > 4 {
		return fmt.Errorf("VOICE_RATE must be in (0, 4]")
	}
	switch strings.ToLower(c.WitnessMode) {
	case "http", "mock", "disabled":
	default:
		return fmt.Errorf("WITNESS_MODE must be http|mock|disabled, got %q", c.WitnessMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
