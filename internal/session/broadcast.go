// Package session also implements the Broadcast Session of spec.md
// §4.6: the long-lived analogue of ConversationSession that drives one
// continuous STT stream bound to the Fan-out Hub's publisher slot,
// reconnecting with backoff on fatal STT errors the way the teacher's
// ASR provider retries its pre-connect dial
// (src/core/providers/asr/doubao/doubao.go's startPreConnect retry loop).
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/parlance-gateway/gateway/internal/apperrors"
	"github.com/parlance-gateway/gateway/internal/config"
	"github.com/parlance-gateway/gateway/internal/events"
	"github.com/parlance-gateway/gateway/internal/fanout"
	"github.com/parlance-gateway/gateway/internal/protocol"
	"github.com/parlance-gateway/gateway/internal/stt"
	"github.com/parlance-gateway/gateway/internal/translator"
)

// BroadcastSession drives one continuous STT stream fed by the
// publisher and broadcasts translation results and TTS audio to every
// current Fan-out Hub subscriber.
type BroadcastSession struct {
	id        string
	direction translator.Direction
	hub       *fanout.Hub
	deps      Dependencies
	cfg       config.BroadcastConfig
	logger    *slog.Logger

	audioIn   chan []byte
	controlIn chan protocol.ClientMessage

	ordinal atomic.Int64 // public; monotonic across STT reconnects
}

// NewBroadcast constructs a BroadcastSession. The returned session does
// nothing until Run is called.
func NewBroadcast(id string, direction translator.Direction, hub *fanout.Hub, deps Dependencies, cfg config.BroadcastConfig, logger *slog.Logger) *BroadcastSession {
	if deps.openSTT == nil {
		deps.openSTT = func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error) {
			return stt.Open(ctx, endpoint, apiKey, opts)
		}
	}
	return &BroadcastSession{
		id:        id,
		direction: direction,
		hub:       hub,
		deps:      deps,
		cfg:       cfg,
		logger:    logger,
		audioIn:   make(chan []byte, 128),
		controlIn: make(chan protocol.ClientMessage, 8),
	}
}

// PushAudio forwards one publisher audio frame into the session. It
// never blocks: a full buffer means the session is not keeping up, and
// the frame is dropped rather than stalling the publisher's ingress task.
func (s *BroadcastSession) PushAudio(frame []byte) {
	select {
	case s.audioIn <- frame:
	default:
	}
}

// PushControl forwards a subscriber-originated control message (only
// "stop" has any effect; others are ignored here since volume/ping are
// handled entirely in internal/gateway).
func (s *BroadcastSession) PushControl(msg protocol.ClientMessage) {
	select {
	case s.controlIn <- msg:
	default:
	}
}

// Run drives the session until ctx is cancelled, reconnecting the STT
// stream with exponential backoff on fatal upstream errors per spec.md §7.
func (s *BroadcastSession) Run(ctx context.Context) {
	backoff := s.cfg.ReconnectMin
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := s.cfg.ReconnectMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for ctx.Err() == nil {
		opts := stt.Options{}
		if s.deps.STTOptions != nil {
			opts = s.deps.STTOptions(s.direction)
		}
		stream, err := s.deps.openSTT(ctx, s.deps.STTEndpoint, s.deps.STTAPIKey, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("broadcast: failed to open STT stream, retrying", "error", err, "backoff", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = s.cfg.ReconnectMin
		if backoff <= 0 {
			backoff = time.Second
		}

		reconnect := s.driveStream(ctx, stream)
		_ = stream.Close()
		if !reconnect {
			return
		}
		if s.deps.Events != nil {
			s.deps.Events.Publish(events.TopicSessionError, events.SessionErrorEvent{
				SessionID: s.id,
				Kind:      string(apperrors.KindUpstreamProtocol),
				Message:   "broadcast STT stream reconnecting",
			})
		}
	}
}

// driveStream runs the select loop against one open STT stream. It
// returns true when the stream ended (closed or failed) and the caller
// should reconnect, false when ctx was cancelled.
func (s *BroadcastSession) driveStream(ctx context.Context, stream sttStream) bool {
	state := stateIdle
	var finalText strings.Builder
	var trailingTimer *time.Timer
	var utterCancel context.CancelFunc
	var pendingBoundary bool
	doneCh := make(chan struct{}, 1)

	trailingWindow := s.cfg.TrailingWindow
	if trailingWindow <= 0 {
		trailingWindow = 700 * time.Millisecond
	}
	minWords := s.cfg.MinUtteranceWords

	resetUtterance := func() {
		state = stateIdle
		finalText.Reset()
		pendingBoundary = false
		if trailingTimer != nil {
			trailingTimer.Stop()
			trailingTimer = nil
		}
		if utterCancel != nil {
			utterCancel()
			utterCancel = nil
		}
	}

	startUtterance := func() {
		transcript := strings.TrimSpace(finalText.String())
		finalText.Reset()
		if minWords > 0 && len(strings.Fields(transcript)) < minWords {
			s.logger.Info("broadcast: utterance below minimum word count, skipped", "words", len(strings.Fields(transcript)))
			resetUtterance()
			return
		}

		uctx, cancel := context.WithCancel(ctx)
		utterCancel = cancel
		state = stateTranslating

		go func() {
			defer cancel()
			defer func() { doneCh <- struct{}{} }()

			result, err := s.deps.Translator.Translate(uctx, s.direction, transcript)
			if err != nil {
				if uctx.Err() == nil {
					s.logger.Warn("broadcast: translation failed", "error", err)
				}
				return
			}
			s.ordinal.Add(1)
			s.hub.PublishText(protocol.Translation(transcript, result))

			audio, err := s.deps.TTS.Synthesize(uctx, s.direction, result)
			if err != nil {
				if uctx.Err() == nil {
					s.logger.Warn("broadcast: synthesis failed", "error", err)
				}
				return
			}
			s.hub.PublishAudio(audio.Data)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			resetUtterance()
			return false

		case frame := <-s.audioIn:
			if len(frame) == 0 {
				continue
			}
			_ = stream.Send(frame)

		case msg := <-s.controlIn:
			if msg.Type != protocol.ClientStop {
				continue
			}
			s.hub.DrainAll()
			resetUtterance()

		case <-doneCh:
			state = stateIdle
			utterCancel = nil
			if pendingBoundary {
				pendingBoundary = false
				state = stateFinalizing
				trailingTimer = time.NewTimer(trailingWindow)
			}

		case evt := <-sttEventsOf(stream):
			switch evt.Kind {
			case stt.EventFinal:
				if finalText.Len() > 0 {
					finalText.WriteByte(' ')
				}
				finalText.WriteString(evt.Text)
			case stt.EventInterim:
				// no subscriber-visible effect; only final text segments an utterance.
			case stt.EventUtteranceEnd:
				if finalText.Len() == 0 {
					continue
				}
				if state == stateIdle {
					state = stateFinalizing
					trailingTimer = time.NewTimer(trailingWindow)
				} else {
					// a previous utterance is still translating/synthesizing;
					// remember the boundary and finalize as soon as it frees up.
					pendingBoundary = true
				}
			case stt.EventError, stt.EventClosed:
				// The underlying Stream is already closed at this point
				// (idle timeout and abnormal closes both tear the socket
				// down internally), so any pending transcript is flushed
				// as a best-effort utterance before reconnecting.
				if finalText.Len() > 0 && state != stateTranslating {
					state = stateFinalizing
					startUtterance()
				}
				if trailingTimer != nil {
					trailingTimer.Stop()
					trailingTimer = nil
				}
				return true
			}

		case <-trailingTimerChan(trailingTimer):
			trailingTimer = nil
			if state == stateFinalizing {
				startUtterance()
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
