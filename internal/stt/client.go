// Package stt drives one streaming speech-recognition socket per
// utterance (spec.md §4.1), generalizing the connect/send/keepalive/close
// lifecycle the teacher's ASR providers implement against a proprietary
// protocol (src/core/providers/asr/doubao) to the Deepgram-shaped wire
// protocol of spec.md §6: query-string options, JSON control frames
// ({"type":"KeepAlive"|"Finalize"|"CloseStream"}), JSON result frames,
// and close codes carrying an upstream payload code.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlance-gateway/gateway/internal/apperrors"
)

const (
	keepaliveInterval = 3 * time.Second
	idleTimeout       = 10 * time.Second
	highWaterMark     = 64 // outstanding unacknowledged writes before Send reports Backpressured
)

// wsConn is the subset of *websocket.Conn the Stream depends on, so tests
// can substitute a fake transport.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Stream is one open streaming-recognition session. It is not
// restartable: once Events() drains to closed, a new Stream must be
// Opened for the next utterance.
type Stream struct {
	conn   wsConn
	events chan TranscriptEvent

	writeMu sync.Mutex
	lastTX  atomic.Int64 // unix nanos of last successful write (audio or keepalive)
	pending atomic.Int32

	closed       atomic.Bool
	finalizeOnce sync.Once
	closeOnce    sync.Once

	keepaliveStop chan struct{}
	readDone      chan struct{}
}

// Dialer abstracts websocket.DefaultDialer so tests can avoid the network.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

var defaultDialer Dialer = websocket.DefaultDialer

// Open negotiates and establishes a streaming-recognition socket.
func Open(ctx context.Context, endpoint, apiKey string, opts Options) (*Stream, error) {
	return openWith(ctx, defaultDialer, endpoint, apiKey, opts)
}

func openWith(ctx context.Context, dialer Dialer, endpoint, apiKey string, opts Options) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	target, err := opts.URL(endpoint)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfigError, "stt.Open", "invalid endpoint", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+apiKey)

	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "stt.Open", "failed to connect to STT service", err)
	}

	return newStream(conn), nil
}

func newStream(conn wsConn) *Stream {
	s := &Stream{
		conn:          conn,
		events:        make(chan TranscriptEvent, 16),
		keepaliveStop: make(chan struct{}),
		readDone:      make(chan struct{}),
	}
	s.lastTX.Store(time.Now().UnixNano())
	go s.readLoop()
	go s.keepaliveLoop()
	return s
}

// Events returns the lazy, finite, non-restartable sequence of
// TranscriptEvent values. It is closed once the upstream socket closes.
func (s *Stream) Events() <-chan TranscriptEvent {
	return s.events
}

// Send writes one audio frame to the socket synchronously, so it blocks
// for the duration of that write; there is no send queue. Once
// highWaterMark Send calls are already in flight it reports Backpressured
// instead of waiting behind them.
func (s *Stream) Send(frame []byte) error {
	if s.closed.Load() {
		return apperrors.New(apperrors.KindClosed, "stt.Send", "stream already closed")
	}
	if len(frame) == 0 {
		return nil
	}
	if s.pending.Load() >= highWaterMark {
		return apperrors.New(apperrors.KindBackpressured, "stt.Send", "upstream write buffer saturated")
	}

	s.pending.Add(1)
	defer s.pending.Add(-1)

	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.BinaryMessage, frame)
	s.writeMu.Unlock()
	if err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "stt.Send", "failed to write audio frame", err)
	}

	s.lastTX.Store(time.Now().UnixNano())
	return nil
}

// Finalize sends the flush control message. The caller keeps draining
// Events() until a utterance_end/closed event confirms completion.
func (s *Stream) Finalize() error {
	if s.closed.Load() {
		return apperrors.New(apperrors.KindClosed, "stt.Finalize", "stream already closed")
	}
	return s.sendControl(`{"type":"Finalize"}`)
}

// Close sends the close control message, waits briefly for the service's
// final metadata event, then tears the socket down. It is idempotent.
func (s *Stream) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if !s.closed.Load() {
			_ = s.sendControl(`{"type":"CloseStream"}`)
		}
		s.closed.Store(true)
		close(s.keepaliveStop)

		// Give the service a brief window to answer CloseStream with its own
		// close frame (carrying the final Metadata event through the read
		// loop) before we force the socket shut.
		select {
		case <-s.readDone:
		case <-time.After(500 * time.Millisecond):
		}
		closeErr = s.conn.Close()

		select {
		case <-s.readDone:
		case <-time.After(time.Second):
		}
	})
	return closeErr
}

func (s *Stream) sendControl(payload string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "stt.sendControl", "failed to send control message", err)
	}
	s.lastTX.Store(time.Now().UnixNano())
	return nil
}

func (s *Stream) keepaliveLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastTX.Load()))
			if idle >= idleTimeout {
				s.emit(TranscriptEvent{Kind: EventError, Err: apperrors.New(apperrors.KindIdleTimeout, "stt.keepalive", "no audio or keepalive sent for 10s")})
				_ = s.Close()
				return
			}
			if idle >= keepaliveInterval {
				_ = s.sendControl(`{"type":"KeepAlive"}`)
			}
		}
	}
}

func (s *Stream) readLoop() {
	defer close(s.readDone)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.emitCloseError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Stream) handleFrame(data []byte) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	switch probe.Type {
	case "Results":
		var env resultsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if len(env.Channel.Alternatives) == 0 {
			return
		}
		text := env.Channel.Alternatives[0].Transcript
		if text == "" {
			return
		}
		channel := 0
		if len(env.ChannelIdx) > 0 {
			channel = env.ChannelIdx[0]
		}
		kind := EventInterim
		if env.IsFinal {
			kind = EventFinal
		}
		s.emit(TranscriptEvent{Kind: kind, Text: text, Channel: channel})
	case "UtteranceEnd":
		var env utteranceEndEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		channel := 0
		if len(env.Channel) > 0 {
			channel = env.Channel[0]
		}
		s.emit(TranscriptEvent{
			Kind:    EventUtteranceEnd,
			Channel: channel,
			End:     time.Duration(env.LastWordEnd * float64(time.Second)),
		})
	case "Metadata", "SpeechStarted":
		// informational only; no TranscriptEvent required by spec.
	}
}

func (s *Stream) emitCloseError(err error) {
	if s.closed.Load() {
		// Close (or the idle-timeout path, which has already emitted its
		// own IdleTimeout error) tore the socket down; an owner-initiated
		// Close gets no terminal event. This is just the resulting read
		// error unwinding the loop.
		return
	}
	if closeErr, ok := err.(*websocket.CloseError); ok {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseNoStatusReceived {
			s.emit(TranscriptEvent{Kind: EventClosed})
			return
		}
		kind := mapCloseCode(closeErr.Code, closeErr.Text)
		s.emit(TranscriptEvent{Kind: EventError, Err: apperrors.New(kind, "stt.readLoop", fmt.Sprintf("upstream closed: %d %s", closeErr.Code, closeErr.Text))})
		return
	}
	s.emit(TranscriptEvent{Kind: EventError, Err: apperrors.Wrap(apperrors.KindUpstreamProtocol, "stt.readLoop", "connection read failed", err)})
}

func mapCloseCode(code int, payload string) apperrors.Kind {
	switch {
	case code == 1008 && strings.Contains(payload, "DATA-0000"):
		return apperrors.KindUpstreamProtocol
	case code == 1011 && (strings.Contains(payload, "NET-0000") || strings.Contains(payload, "NET-0001")):
		return apperrors.KindUpstreamProtocol
	default:
		return apperrors.KindUpstreamProtocol
	}
}

func (s *Stream) emit(evt TranscriptEvent) {
	select {
	case s.events <- evt:
	case <-time.After(time.Second):
		// owner stopped draining; drop rather than block the read loop forever.
	}
}
