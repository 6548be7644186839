// Package config loads the gateway's environment-variable configuration
// table (spec §6). There is no YAML/database-backed layer: every value
// comes from the process environment, read once at startup and held
// immutable thereafter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved, immutable configuration for one gateway
// process.
type Config struct {
	Port    int
	TLSCert string
	TLSKey  string

	STTAPIKey string
	LLMAPIKey string

	STT        STTConfig
	LLM        LLMConfig
	Session    SessionConfig
	Broadcast  BroadcastConfig
	LogLevel   string
}

// STTConfig holds the streaming recognizer options that are the same
// for every session regardless of direction, plus the per-direction
// model/language pairs spec.md §4.1 negotiates over the query string.
type STTConfig struct {
	Endpoint       string
	UtteranceEndMS int
	EndpointingMS  int
	Models         map[string]string // keyed by translator.Direction
	Languages      map[string]string // keyed by translator.Direction
}

// LLMConfig holds the chat-completion endpoint used for translation.
type LLMConfig struct {
	BaseURL string
	Model   string
}

// SessionConfig holds per-conversation-session limits.
type SessionConfig struct {
	MaxSessions      int
	TrailingWindow   time.Duration
	HardCeiling      time.Duration
	MaxUtteranceAudio time.Duration
	ClientSlowAfter  time.Duration
}

// BroadcastConfig holds fan-out hub limits.
type BroadcastConfig struct {
	MaxSubscribers    int
	SubscriberQueue   int
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	MinUtteranceWords int
	TrailingWindow    time.Duration
}

const (
	defaultPort              = 5050
	defaultUtteranceEndMS    = 1000
	defaultEndpointingMS     = 300
	defaultHardCeiling       = 15000 * time.Millisecond
	defaultMaxSessions       = 32
	defaultSubscriberQueue   = 32
	defaultMaxSubscribers    = 64
	defaultTrailingWindow    = 700 * time.Millisecond
	defaultMaxUtteranceAudio = 30 * time.Second
	defaultClientSlowAfter   = 2 * time.Second
	defaultReconnectMin      = 1 * time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultMinUtteranceWords = 2
	defaultSTTEndpoint       = "wss://api.deepgram.com/v1/listen"
	defaultLLMModel          = "gpt-4o-mini"
)

// defaultSTTModels/defaultSTTLanguages key by translator.Direction's
// underlying string so this package need not import internal/translator.
var (
	defaultSTTModels = map[string]string{
		"cn-en": "nova-2",
		"en-cn": "nova-2",
	}
	defaultSTTLanguages = map[string]string{
		"cn-en": "zh",
		"en-cn": "en",
	}
)

// Load reads the table in spec.md §6 from the environment. Missing
// required credentials are reported as a single aggregated error so
// operators see every problem in one pass, not one restart at a time.
func Load() (*Config, error) {
	var missing []string
	sttKey := os.Getenv("STT_API_KEY")
	if sttKey == "" {
		missing = append(missing, "STT_API_KEY")
	}
	llmKey := os.Getenv("LLM_API_KEY")
	if llmKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}

	cfg := &Config{
		Port:      intEnv("PORT", defaultPort),
		TLSCert:   os.Getenv("TLS_CERT"),
		TLSKey:    os.Getenv("TLS_KEY"),
		STTAPIKey: sttKey,
		LLMAPIKey: llmKey,
		LogLevel:  envOr("LOG_LEVEL", "info"),
		STT: STTConfig{
			Endpoint:       envOr("STT_ENDPOINT", defaultSTTEndpoint),
			UtteranceEndMS: intEnv("UTTERANCE_END_MS", defaultUtteranceEndMS),
			EndpointingMS:  intEnv("ENDPOINTING_MS", defaultEndpointingMS),
			Models:         defaultSTTModels,
			Languages:      defaultSTTLanguages,
		},
		LLM: LLMConfig{
			BaseURL: os.Getenv("LLM_BASE_URL"),
			Model:   envOr("LLM_MODEL", defaultLLMModel),
		},
		Session: SessionConfig{
			MaxSessions:       intEnv("MAX_SESSIONS", defaultMaxSessions),
			TrailingWindow:    durationMSEnv("TRAILING_WINDOW_MS", defaultTrailingWindow),
			HardCeiling:       durationMSEnv("HARD_CEILING_MS", defaultHardCeiling),
			MaxUtteranceAudio: defaultMaxUtteranceAudio,
			ClientSlowAfter:   defaultClientSlowAfter,
		},
		Broadcast: BroadcastConfig{
			MaxSubscribers:    intEnv("MAX_SUBSCRIBERS", defaultMaxSubscribers),
			SubscriberQueue:   intEnv("SUBSCRIBER_QUEUE", defaultSubscriberQueue),
			ReconnectMin:      defaultReconnectMin,
			ReconnectMax:      defaultReconnectMax,
			MinUtteranceWords: intEnv("MIN_UTTERANCE_WORDS", defaultMinUtteranceWords),
			TrailingWindow:    durationMSEnv("TRAILING_WINDOW_MS", defaultTrailingWindow),
		},
	}

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("config: PORT must be positive, got %d", cfg.Port)
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("config: TLS_CERT and TLS_KEY must both be set or both empty")
	}

	return cfg, nil
}

// TLSEnabled reports whether wss:// should be used.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func durationMSEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
