package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/parlance-gateway/gateway/internal/config"
	"github.com/parlance-gateway/gateway/internal/fanout"
	"github.com/parlance-gateway/gateway/internal/protocol"
	"github.com/parlance-gateway/gateway/internal/stt"
	"github.com/parlance-gateway/gateway/internal/translator"
	"github.com/parlance-gateway/gateway/internal/tts"
)

func newBroadcastDeps(t *testing.T, opener sttOpener) Dependencies {
	t.Helper()
	return Dependencies{
		STTEndpoint: "wss://stt.example/v1/listen",
		STTAPIKey:   "key",
		Translator:  newTranslatorClient(t, "hello"),
		TTS:         tts.NewWithFactory(tts.Config{}, func(voice string) (tts.Communicator, error) { return &fakeCommunicator{data: []byte("audio-bytes")}, nil }),
		openSTT:     opener,
	}
}

func newBroadcastCfg() config.BroadcastConfig {
	return config.BroadcastConfig{
		MaxSubscribers:    8,
		SubscriberQueue:   8,
		ReconnectMin:      10 * time.Millisecond,
		ReconnectMax:      40 * time.Millisecond,
		MinUtteranceWords: 2,
		TrailingWindow:    20 * time.Millisecond,
	}
}

// subText pulls one text frame off a subscription with a deadline,
// failing the test on timeout.
func subText(t *testing.T, sub *fanout.Subscription) map[string]interface{} {
	t.Helper()
	select {
	case frame, ok := <-sub.Frames():
		if !ok {
			t.Fatal("subscription closed before a translation frame arrived")
		}
		if frame.Type != fanout.TextFrame {
			t.Fatalf("frame type = %v, want fanout.TextFrame", frame.Type)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(frame.Data, &m); err != nil {
			t.Fatalf("unmarshal subscriber frame: %v (frame=%q)", err, frame.Data)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber frame")
		return nil
	}
}

func TestBroadcastMultiSubscriberReceivesTranslation(t *testing.T) {
	stream := newFakeStream()
	hub := fanout.New(fanout.Config{MaxSubscribers: 8, QueueSize: 8})
	deps := newBroadcastDeps(t, func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error) {
		return stream, nil
	})
	bs := NewBroadcast("host-1", translator.DirectionCNtoEN, hub, deps, newBroadcastCfg(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bs.Run(ctx); close(done) }()

	subA, err := hub.Subscribe(fanout.DropOldest)
	if err != nil {
		t.Fatalf("subscribe A: %v", err)
	}

	stream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "ni hao peng you"}
	stream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	frameA := subText(t, subA)
	if frameA["type"] != "translation" {
		t.Fatalf("subscriber A frame type = %v, want translation", frameA["type"])
	}

	// A subscriber that joins after the first utterance still receives the next one.
	subB, err := hub.Subscribe(fanout.DropOldest)
	if err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	stream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "zai jian peng you"}
	stream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	frameB := subText(t, subB)
	if frameB["type"] != "translation" {
		t.Fatalf("subscriber B frame type = %v, want translation", frameB["type"])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast session did not exit after ctx cancel")
	}
}

func TestBroadcastMinUtteranceWordsGuard(t *testing.T) {
	stream := newFakeStream()
	hub := fanout.New(fanout.Config{MaxSubscribers: 8, QueueSize: 8})
	deps := newBroadcastDeps(t, func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error) {
		return stream, nil
	})
	cfg := newBroadcastCfg()
	cfg.MinUtteranceWords = 3
	bs := NewBroadcast("host-2", translator.DirectionCNtoEN, hub, deps, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bs.Run(ctx); close(done) }()

	sub, err := hub.Subscribe(fanout.Disconnect)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "hi"}
	stream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	select {
	case frame := <-sub.Frames():
		t.Fatalf("expected no frame for a below-threshold utterance, got %+v", frame)
	case <-time.After(150 * time.Millisecond):
	}

	stream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "this clears the bar"}
	stream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	frame := subText(t, sub)
	if frame["type"] != "translation" {
		t.Fatalf("frame type = %v, want translation", frame["type"])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast session did not exit after ctx cancel")
	}
}

func TestBroadcastStopCancelsInFlightUtterance(t *testing.T) {
	stream := newFakeStream()
	hub := fanout.New(fanout.Config{MaxSubscribers: 8, QueueSize: 8})
	deps := newBroadcastDeps(t, func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error) {
		return stream, nil
	})
	bs := NewBroadcast("host-3", translator.DirectionCNtoEN, hub, deps, newBroadcastCfg(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bs.Run(ctx); close(done) }()

	sub, err := hub.Subscribe(fanout.DropOldest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "ni hao peng you"}
	stream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}
	bs.PushControl(protocol.ClientMessage{Type: protocol.ClientStop})

	select {
	case frame := <-sub.Frames():
		t.Fatalf("expected stop to drain the utterance before delivery, got %+v", frame)
	case <-time.After(150 * time.Millisecond):
	}

	// The pipeline still works for the next utterance.
	stream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "zai jian peng you"}
	stream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}
	frame := subText(t, sub)
	if frame["type"] != "translation" {
		t.Fatalf("frame type = %v, want translation", frame["type"])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast session did not exit after ctx cancel")
	}
}

func TestBroadcastReconnectsAfterStreamError(t *testing.T) {
	first := newFakeStream()
	second := newFakeStream()
	opens := 0
	hub := fanout.New(fanout.Config{MaxSubscribers: 8, QueueSize: 8})
	deps := newBroadcastDeps(t, func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error) {
		opens++
		if opens == 1 {
			return first, nil
		}
		return second, nil
	})
	bs := NewBroadcast("host-4", translator.DirectionCNtoEN, hub, deps, newBroadcastCfg(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bs.Run(ctx); close(done) }()

	sub, err := hub.Subscribe(fanout.DropOldest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "ni hao peng you"}
	first.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}
	frame := subText(t, sub)
	if frame["type"] != "translation" {
		t.Fatalf("frame type = %v, want translation", frame["type"])
	}
	// The first utterance's synthesized audio follows its translation on
	// the same subscription; take it off before reading the next utterance.
	select {
	case audio, ok := <-sub.Frames():
		if !ok || audio.Type != fanout.BinaryFrame {
			t.Fatalf("frame after translation = %+v, want the utterance's fanout.BinaryFrame audio", audio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first utterance's audio frame")
	}

	// Kill the stream mid-run; the session must reconnect promptly (no
	// backoff delay is owed on the stream that was already open) and keep
	// serving subscribers off the new stream.
	first.events <- stt.TranscriptEvent{Kind: stt.EventClosed}

	deadline := time.Now().Add(2 * time.Second)
	for opens < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if opens < 2 {
		t.Fatal("timed out waiting for a reconnect attempt")
	}

	second.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "zai jian peng you"}
	second.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}
	frame = subText(t, sub)
	if frame["type"] != "translation" {
		t.Fatalf("frame type = %v, want translation", frame["type"])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast session did not exit after ctx cancel")
	}
}

func TestBroadcastOpenFailureBacksOffThenSucceeds(t *testing.T) {
	stream := newFakeStream()
	attempts := 0
	hub := fanout.New(fanout.Config{MaxSubscribers: 8, QueueSize: 8})
	deps := newBroadcastDeps(t, func(ctx context.Context, endpoint, apiKey string, opts stt.Options) (sttStream, error) {
		attempts++
		if attempts < 3 {
			return nil, context.DeadlineExceeded
		}
		return stream, nil
	})
	bs := NewBroadcast("host-5", translator.DirectionCNtoEN, hub, deps, newBroadcastCfg(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bs.Run(ctx); close(done) }()

	sub, err := hub.Subscribe(fanout.DropOldest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for attempts < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if attempts < 3 {
		t.Fatalf("expected at least 3 open attempts, got %d", attempts)
	}

	stream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "ni hao peng you"}
	stream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}
	frame := subText(t, sub)
	if frame["type"] != "translation" {
		t.Fatalf("frame type = %v, want translation", frame["type"])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast session did not exit after ctx cancel")
	}
}
