// Package session implements the per-connection orchestrators of
// spec.md §4.5-4.6: a small set of cooperating goroutines communicating
// over typed channels rather than a flag-driven dispatcher, generalizing
// the teacher's per-connection coroutine layout
// (src/core/connection.go's stopChan/clientAudioQueue/clientTextQueue
// plus its processXxxCoroutine goroutines) to the translate-then-speak
// pipeline this gateway drives instead of the teacher's chat pipeline.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlance-gateway/gateway/internal/apperrors"
	"github.com/parlance-gateway/gateway/internal/config"
	"github.com/parlance-gateway/gateway/internal/events"
	"github.com/parlance-gateway/gateway/internal/protocol"
	"github.com/parlance-gateway/gateway/internal/stt"
	"github.com/parlance-gateway/gateway/internal/translator"
	"github.com/parlance-gateway/gateway/internal/tts"
)

// clientSocket is the subset of *websocket.Conn a Session depends on, so
// tests can substitute a fake transport.
type clientSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type utteranceState int

const (
	stateIdle utteranceState = iota
	stateRecording
	stateFinalizing
	stateTranslating
	stateSynthesizing
)

func (s utteranceState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRecording:
		return "recording"
	case stateFinalizing:
		return "finalizing"
	case stateTranslating:
		return "translating"
	case stateSynthesizing:
		return "synthesizing"
	default:
		return "unknown"
	}
}

type egressFrame struct {
	messageType int
	data        []byte
}

// sttStream is the subset of *stt.Stream the orchestrator depends on, so
// tests can substitute a fake recognizer without a network socket.
type sttStream interface {
	Events() <-chan stt.TranscriptEvent
	Send(frame []byte) error
	Finalize() error
	Close() error
}

// sttOpener abstracts stt.Open so tests can substitute a fake stream.
type sttOpener func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error)

// Dependencies are the per-process collaborators a ConversationSession
// borrows; none of them are owned by the session.
type Dependencies struct {
	STTEndpoint string
	STTAPIKey   string
	STTOptions  func(direction translator.Direction) stt.Options
	Translator  *translator.Client
	TTS         *tts.Client
	Events      *events.Bus

	openSTT sttOpener // overridden in tests; defaults to stt.Open
}

// ConversationSession is the per-browser push-to-talk state machine of
// spec.md §4.5.
type ConversationSession struct {
	id        string
	direction translator.Direction
	conn      clientSocket
	deps      Dependencies
	cfg       config.SessionConfig
	logger    *slog.Logger

	audioIn   chan []byte
	controlIn chan protocol.ClientMessage
	egressOut chan egressFrame

	ordinal int
}

// New constructs a ConversationSession bound to one already-upgraded
// client socket.
func New(id string, direction translator.Direction, conn clientSocket, deps Dependencies, cfg config.SessionConfig, logger *slog.Logger) *ConversationSession {
	if deps.openSTT == nil {
		deps.openSTT = func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error) {
			return stt.Open(ctx, endpoint, apiKey, opts)
		}
	}
	return &ConversationSession{
		id:        id,
		direction: direction,
		conn:      conn,
		deps:      deps,
		cfg:       cfg,
		logger:    logger,
		audioIn:   make(chan []byte, 64),
		controlIn: make(chan protocol.ClientMessage, 8),
		egressOut: make(chan egressFrame, 16),
	}
}

// Run drives the session to completion: it starts the ingress, egress,
// and orchestrator tasks and blocks until all three exit, which happens
// only on client disconnect or a session-fatal error.
func (s *ConversationSession) Run(parent context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		s.runIngress(ctx, cancel)
	}()
	go func() {
		defer wg.Done()
		s.runEgress(ctx, cancel)
	}()
	go func() {
		defer wg.Done()
		s.runOrchestrator(ctx, cancel)
	}()

	wg.Wait()
	_ = s.conn.Close()

	if s.deps.Events != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			s.deps.Events.Publish(events.TopicSessionError, events.SessionErrorEvent{
				SessionID: s.id,
				Kind:      string(apperrors.KindOf(cause)),
				Message:   cause.Error(),
			})
		}
		s.deps.Events.Publish(events.TopicSessionEnded, s.id)
	}
}

func (s *ConversationSession) runIngress(ctx context.Context, cancel context.CancelCauseFunc) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			cancel(apperrors.Wrap(apperrors.KindClosed, "session.ingress", "client socket closed", err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			select {
			case s.audioIn <- data:
			case <-ctx.Done():
				return
			}
		case websocket.TextMessage:
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				var unknown *protocol.UnknownTypeError
				if errors.As(err, &unknown) {
					s.logger.Warn("ignoring unknown client message type", "type", unknown.Type)
					continue
				}
				s.logger.Warn("ignoring malformed client message", "error", err)
				continue
			}
			select {
			case s.controlIn <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *ConversationSession) runEgress(ctx context.Context, cancel context.CancelCauseFunc) {
	slowAfter := s.cfg.ClientSlowAfter
	if slowAfter <= 0 {
		slowAfter = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.egressOut:
			if !ok {
				return
			}
			if s.writeWithDeadline(frame, slowAfter, cancel) {
				return
			}
		}
	}
}

// writeWithDeadline returns true if the egress task should stop.
func (s *ConversationSession) writeWithDeadline(frame egressFrame, slowAfter time.Duration, cancel context.CancelCauseFunc) bool {
	done := make(chan error, 1)
	go func() {
		done <- s.conn.WriteMessage(frame.messageType, frame.data)
	}()

	select {
	case err := <-done:
		if err != nil {
			cancel(apperrors.Wrap(apperrors.KindClosed, "session.egress", "client write failed", err))
			return true
		}
		return false
	case <-time.After(slowAfter):
		cancel(apperrors.New(apperrors.KindClientSlow, "session.egress", "client did not drain audio in time"))
		_ = s.conn.Close()
		return true
	}
}

func (s *ConversationSession) send(frame egressFrame) bool {
	select {
	case s.egressOut <- frame:
		return true
	default:
		return false
	}
}

func (s *ConversationSession) sendText(payload []byte) {
	if !s.send(egressFrame{messageType: websocket.TextMessage, data: payload}) {
		s.logger.Warn("egress queue full, dropping text frame", "session", s.id)
	}
}

func (s *ConversationSession) sendBinary(payload []byte) {
	if !s.send(egressFrame{messageType: websocket.BinaryMessage, data: payload}) {
		s.logger.Warn("egress queue full, dropping audio frame", "session", s.id)
	}
}

func (s *ConversationSession) runOrchestrator(ctx context.Context, cancel context.CancelCauseFunc) {
	defer close(s.egressOut)

	state := stateIdle
	var stream sttStream
	var finalText strings.Builder
	var audioDeadline <-chan time.Time
	var processingDeadline <-chan time.Time
	var trailingTimer *time.Timer

	setState := func(next utteranceState) {
		state = next
		s.deps.Events.Publish(events.TopicUtteranceStateChanged, events.UtteranceEvent{
			SessionID: s.id,
			Ordinal:   s.ordinal,
			State:     state.String(),
		})
	}

	maxAudio := s.cfg.MaxUtteranceAudio
	if maxAudio <= 0 {
		maxAudio = 30 * time.Second
	}
	hardCeiling := s.cfg.HardCeiling
	if hardCeiling <= 0 {
		hardCeiling = 15 * time.Second
	}
	trailingWindow := s.cfg.TrailingWindow
	if trailingWindow <= 0 {
		trailingWindow = 700 * time.Millisecond
	}

	resetUtterance := func() {
		setState(stateIdle)
		finalText.Reset()
		audioDeadline = nil
		processingDeadline = nil
		if trailingTimer != nil {
			trailingTimer.Stop()
			trailingTimer = nil
		}
		if stream != nil {
			_ = stream.Close()
			stream = nil
		}
	}

	abort := func(kind apperrors.Kind) {
		s.sendText(protocol.ErrorMessage(string(kind)))
		resetUtterance()
	}

	openStream := func() error {
		opts := stt.Options{}
		if s.deps.STTOptions != nil {
			opts = s.deps.STTOptions(s.direction)
		}
		opened, err := s.deps.openSTT(ctx, s.deps.STTEndpoint, s.deps.STTAPIKey, opts)
		if err != nil {
			return err
		}
		stream = opened
		return nil
	}

	translateAndSynthesize := func() {
		transcript := strings.TrimSpace(finalText.String())

		setState(stateTranslating)
		result, err := s.deps.Translator.Translate(ctx, s.direction, transcript)
		if err != nil {
			abort(apperrors.KindOf(err))
			return
		}

		s.sendText(protocol.Translation(transcript, result))

		setState(stateSynthesizing)
		audio, err := s.deps.TTS.Synthesize(ctx, s.direction, result)
		if err != nil {
			abort(apperrors.KindOf(err))
			return
		}
		s.sendBinary(audio.Data)
		resetUtterance()
	}

	for {
		select {
		case <-ctx.Done():
			resetUtterance()
			return

		case frame := <-s.audioIn:
			if len(frame) == 0 {
				continue
			}
			switch state {
			case stateIdle:
				if err := openStream(); err != nil {
					abort(apperrors.KindOf(err))
					continue
				}
				s.ordinal++
				setState(stateRecording)
				audioDeadline = time.After(maxAudio)
				_ = stream.Send(frame)
			case stateRecording, stateFinalizing:
				_ = stream.Send(frame)
			default:
				// Translating/Synthesizing: a new utterance cannot start until
				// the in-flight one resolves; drop stray audio.
			}

		case msg := <-s.controlIn:
			if msg.Type != protocol.ClientStop {
				continue
			}
			switch state {
			case stateIdle:
				abort(apperrors.KindTranslationRefused)
			case stateRecording:
				setState(stateFinalizing)
				trailingTimer = time.NewTimer(trailingWindow)
				processingDeadline = time.After(hardCeiling)
			case stateFinalizing:
				// single utterance per push: second stop is ignored.
			}

		case evt := <-sttEventsOf(stream):
			switch evt.Kind {
			case stt.EventFinal:
				if finalText.Len() > 0 {
					finalText.WriteByte(' ')
				}
				finalText.WriteString(evt.Text)
				s.sendText(protocol.TranscriptionUpdate(finalText.String()))
			case stt.EventInterim:
				s.sendText(protocol.TranscriptionUpdate(evt.Text))
			case stt.EventUtteranceEnd, stt.EventClosed:
				if state == stateFinalizing {
					translateAndSynthesize()
				}
			case stt.EventError:
				if apperrors.Is(evt.Err, apperrors.KindIdleTimeout) && finalText.Len() == 0 {
					abort(apperrors.KindTranslationRefused)
					continue
				}
				if state == stateFinalizing && finalText.Len() > 0 {
					translateAndSynthesize()
					continue
				}
				abort(apperrors.KindOf(evt.Err))
			}

		case timerCh := <-trailingTimerChan(trailingTimer):
			_ = timerCh
			if stream != nil {
				_ = stream.Finalize()
			}
			trailingTimer = nil

		case <-audioDeadline:
			if state == stateRecording || state == stateFinalizing {
				abort(apperrors.KindTimeout)
			}

		case <-processingDeadline:
			if state == stateFinalizing || state == stateTranslating || state == stateSynthesizing {
				abort(apperrors.KindTimeout)
			}
		}
	}
}

// sttEventsOf returns stream.Events(), or a nil channel (which blocks
// forever in a select) when no stream is open yet.
func sttEventsOf(stream sttStream) <-chan stt.TranscriptEvent {
	if stream == nil {
		return nil
	}
	return stream.Events()
}

// trailingTimerChan returns t.C, or a nil channel when no timer is
// pending, so the orchestrator's select can include it unconditionally.
func trailingTimerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
