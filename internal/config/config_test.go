package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"STT_API_KEY", "LLM_API_KEY", "PORT", "TLS_CERT", "TLS_KEY",
		"LOG_LEVEL", "STT_ENDPOINT", "UTTERANCE_END_MS", "ENDPOINTING_MS",
		"LLM_BASE_URL", "LLM_MODEL", "MAX_SESSIONS", "TRAILING_WINDOW_MS",
		"HARD_CEILING_MS", "MAX_SUBSCRIBERS", "SUBSCRIBER_QUEUE",
		"MIN_UTTERANCE_WORDS",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadMissingCredentials(t *testing.T) {
	tests := []struct {
		name     string
		sttKey   string
		llmKey   string
		contains []string
	}{
		{
			name:     "both missing",
			contains: []string{"STT_API_KEY", "LLM_API_KEY"},
		},
		{
			name:     "stt missing",
			llmKey:   "llm-key",
			contains: []string{"STT_API_KEY"},
		},
		{
			name:     "llm missing",
			sttKey:   "stt-key",
			contains: []string{"LLM_API_KEY"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("STT_API_KEY", tt.sttKey)
			t.Setenv("LLM_API_KEY", tt.llmKey)

			_, err := Load()
			if err == nil {
				t.Fatal("Load() err = nil, want error")
			}
			for _, substr := range tt.contains {
				if !strings.Contains(err.Error(), substr) {
					t.Errorf("error %q does not contain %q", err.Error(), substr)
				}
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() err = %v, want nil", err)
	}

	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.STT.Endpoint != defaultSTTEndpoint {
		t.Errorf("STT.Endpoint = %q, want %q", cfg.STT.Endpoint, defaultSTTEndpoint)
	}
	if cfg.STT.Models["cn-en"] != "nova-2" {
		t.Errorf("STT.Models[cn-en] = %q, want nova-2", cfg.STT.Models["cn-en"])
	}
	if cfg.Session.MaxSessions != defaultMaxSessions {
		t.Errorf("Session.MaxSessions = %d, want %d", cfg.Session.MaxSessions, defaultMaxSessions)
	}
	if cfg.Session.TrailingWindow != defaultTrailingWindow {
		t.Errorf("Session.TrailingWindow = %v, want %v", cfg.Session.TrailingWindow, defaultTrailingWindow)
	}
	if cfg.Session.HardCeiling != defaultHardCeiling {
		t.Errorf("Session.HardCeiling = %v, want %v", cfg.Session.HardCeiling, defaultHardCeiling)
	}
	if cfg.Broadcast.MaxSubscribers != defaultMaxSubscribers {
		t.Errorf("Broadcast.MaxSubscribers = %d, want %d", cfg.Broadcast.MaxSubscribers, defaultMaxSubscribers)
	}
	if cfg.TLSEnabled() {
		t.Error("TLSEnabled() = true, want false with no TLS_CERT/TLS_KEY set")
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("UTTERANCE_END_MS", "1500")
	t.Setenv("TRAILING_WINDOW_MS", "250")
	t.Setenv("MAX_SESSIONS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() err = %v, want nil", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.STT.UtteranceEndMS != 1500 {
		t.Errorf("STT.UtteranceEndMS = %d, want 1500", cfg.STT.UtteranceEndMS)
	}
	if cfg.Session.TrailingWindow != 250*time.Millisecond {
		t.Errorf("Session.TrailingWindow = %v, want 250ms", cfg.Session.TrailingWindow)
	}
	if cfg.Session.MaxSessions != 4 {
		t.Errorf("Session.MaxSessions = %d, want 4", cfg.Session.MaxSessions)
	}
}

func TestLoadInvalidIntFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() err = %v, want nil", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want fallback %d", cfg.Port, defaultPort)
	}
}

func TestLoadRejectsNonPositivePort(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")
	t.Setenv("PORT", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() err = nil, want error for PORT=0")
	}
	if !strings.Contains(err.Error(), "PORT must be positive") {
		t.Errorf("error = %q, want mention of PORT must be positive", err.Error())
	}
}

func TestLoadRequiresBothTLSFieldsOrNeither(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")
	t.Setenv("TLS_CERT", "/etc/cert.pem")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() err = nil, want error for TLS_CERT without TLS_KEY")
	}
	if !strings.Contains(err.Error(), "TLS_CERT and TLS_KEY") {
		t.Errorf("error = %q, want mention of TLS_CERT and TLS_KEY", err.Error())
	}
}

func TestTLSEnabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")
	t.Setenv("TLS_CERT", "/etc/cert.pem")
	t.Setenv("TLS_KEY", "/etc/key.pem")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() err = %v, want nil", err)
	}
	if !cfg.TLSEnabled() {
		t.Error("TLSEnabled() = false, want true with both TLS_CERT and TLS_KEY set")
	}
}

func TestLoaderWithDotEnvDisabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_API_KEY", "stt-key")
	t.Setenv("LLM_API_KEY", "llm-key")

	cfg, err := NewLoader().WithDotEnv(false).Load()
	if err != nil {
		t.Fatalf("Load() err = %v, want nil", err)
	}
	if cfg.STTAPIKey != "stt-key" {
		t.Errorf("STTAPIKey = %q, want stt-key", cfg.STTAPIKey)
	}
}
