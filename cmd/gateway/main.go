package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/parlance-gateway/gateway/internal/config"
	"github.com/parlance-gateway/gateway/internal/events"
	"github.com/parlance-gateway/gateway/internal/fanout"
	"github.com/parlance-gateway/gateway/internal/gateway"
	"github.com/parlance-gateway/gateway/internal/logging"
	"github.com/parlance-gateway/gateway/internal/session"
	"github.com/parlance-gateway/gateway/internal/stt"
	"github.com/parlance-gateway/gateway/internal/translator"
	"github.com/parlance-gateway/gateway/internal/tts"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel})
	bus := events.New()
	installEventLogger(bus, logging.Component(logger, "events"))

	translatorClient, err := translator.New(translator.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		return err
	}
	ttsClient := tts.New(tts.Config{})

	hub := fanout.New(fanout.Config{
		MaxSubscribers: cfg.Broadcast.MaxSubscribers,
		QueueSize:      cfg.Broadcast.SubscriberQueue,
	})

	deps := session.Dependencies{
		STTEndpoint: cfg.STT.Endpoint,
		STTAPIKey:   cfg.STTAPIKey,
		STTOptions:  conversationSTTOptions(cfg),
		Translator:  translatorClient,
		TTS:         ttsClient,
		Events:      bus,
	}

	gw := gateway.New(
		gateway.Config{Addr: fmt.Sprintf(":%d", cfg.Port), TLSCert: cfg.TLSCert, TLSKey: cfg.TLSKey},
		hub,
		deps,
		cfg.Session,
		cfg.Broadcast,
		conversationSTTOptions(cfg),
		broadcastSTTOptions(cfg),
		cfg.Session.MaxSessions,
		logging.Component(logger, "gateway"),
	)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error { return gw.Run(groupCtx) })

	logger.Info("gateway: listening", "port", cfg.Port, "tls", cfg.TLSEnabled())
	return group.Wait()
}

// installEventLogger subscribes a logging-only listener to every topic
// the session orchestrators publish, so utterance state transitions and
// session errors are observable without coupling sessions to a logger.
func installEventLogger(bus *events.Bus, logger *slog.Logger) {
	_ = bus.Subscribe(events.TopicUtteranceStateChanged, func(evt events.UtteranceEvent) {
		logger.Debug("utterance state changed", "session", evt.SessionID, "ordinal", evt.Ordinal, "state", evt.State)
	})
	_ = bus.Subscribe(events.TopicSessionError, func(evt events.SessionErrorEvent) {
		logger.Warn("session error", "session", evt.SessionID, "kind", evt.Kind, "message", evt.Message)
	})
	_ = bus.Subscribe(events.TopicSessionStarted, func(id string) {
		logger.Info("session started", "session", id)
	})
	_ = bus.Subscribe(events.TopicSessionEnded, func(id string) {
		logger.Info("session ended", "session", id)
	})
}

// conversationSTTOptions builds the per-direction recognizer options for
// browser/mobile conversation clients. Encoding/SampleRate are left
// unset so the STT service auto-detects the client's containerized
// (Opus/WebM) audio, per SPEC_FULL.md §9.
func conversationSTTOptions(cfg *config.Config) func(translator.Direction) stt.Options {
	return func(direction translator.Direction) stt.Options {
		key := string(direction)
		return stt.Options{
			Model:          cfg.STT.Models[key],
			Language:       cfg.STT.Languages[key],
			InterimResults: true,
			UtteranceEndMS: cfg.STT.UtteranceEndMS,
			EndpointingMS:  cfg.STT.EndpointingMS,
			VADEvents:      true,
		}
	}
}

// broadcastSTTOptions builds the per-direction recognizer options for
// the host audio bridge, fixed to raw PCM16 little-endian at 16kHz to
// match the publisher's capture format, per SPEC_FULL.md §9.
func broadcastSTTOptions(cfg *config.Config) func(translator.Direction) stt.Options {
	return func(direction translator.Direction) stt.Options {
		key := string(direction)
		return stt.Options{
			Model:          cfg.STT.Models[key],
			Language:       cfg.STT.Languages[key],
			Encoding:       "linear16",
			SampleRate:     16000,
			InterimResults: true,
			UtteranceEndMS: cfg.STT.UtteranceEndMS,
			EndpointingMS:  cfg.STT.EndpointingMS,
			VADEvents:      true,
		}
	}
}
