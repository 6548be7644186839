package tts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlance-gateway/gateway/internal/apperrors"
	"github.com/parlance-gateway/gateway/internal/translator"
)

type fakeCommunicator struct {
	data      []byte
	err       error
	delay     time.Duration
	closed    bool
	gotVoice  string
	closeErr  error
}

func (f *fakeCommunicator) Output(text string) ([]byte, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.data, f.err
}

func (f *fakeCommunicator) Close() error {
	f.closed = true
	return f.closeErr
}

func clientWithFactory(factory communicatorFactory) *Client {
	c := New(Config{Timeout: 200 * time.Millisecond})
	c.factory = factory
	return c
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	fake := &fakeCommunicator{data: []byte("not-really-mp3-bytes")}
	c := clientWithFactory(func(voice string) (communicator, error) {
		fake.gotVoice = voice
		return fake, nil
	})

	audio, err := c.Synthesize(context.Background(), translator.DirectionCNtoEN, "hello there")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio.Data) != "not-really-mp3-bytes" {
		t.Errorf("got data %q", audio.Data)
	}
	if audio.ContentType != "audio/mpeg" {
		t.Errorf("got content type %q", audio.ContentType)
	}
	if fake.gotVoice != defaultVoices[translator.DirectionCNtoEN] {
		t.Errorf("voice = %q, want %q", fake.gotVoice, defaultVoices[translator.DirectionCNtoEN])
	}
	if !fake.closed {
		t.Error("expected communicator to be closed after synthesis")
	}
}

func TestSynthesizeRejectsEmptyTextWithoutTouchingFactory(t *testing.T) {
	called := false
	c := clientWithFactory(func(voice string) (communicator, error) {
		called = true
		return &fakeCommunicator{}, nil
	})

	_, err := c.Synthesize(context.Background(), translator.DirectionCNtoEN, "   ")
	if apperrors.KindOf(err) != apperrors.KindSynthesisEmpty {
		t.Fatalf("got %v, want SynthesisEmpty", err)
	}
	if called {
		t.Fatal("factory should not be called for empty text")
	}
}

func TestSynthesizeRejectsUnknownDirection(t *testing.T) {
	c := clientWithFactory(func(voice string) (communicator, error) {
		t.Fatal("factory should not be called")
		return nil, nil
	})

	_, err := c.Synthesize(context.Background(), translator.Direction("fr-de"), "bonjour")
	if apperrors.KindOf(err) != apperrors.KindConfigError {
		t.Fatalf("got %v, want ConfigError", err)
	}
}

func TestSynthesizeMapsUpstreamErrorToSynthesisFailed(t *testing.T) {
	fake := &fakeCommunicator{err: errors.New("network refused")}
	c := clientWithFactory(func(voice string) (communicator, error) {
		return fake, nil
	})

	_, err := c.Synthesize(context.Background(), translator.DirectionENtoCN, "hello")
	if apperrors.KindOf(err) != apperrors.KindSynthesisFailed {
		t.Fatalf("got %v, want SynthesisFailed", err)
	}
}

func TestSynthesizeMapsEmptyAudioToSynthesisEmpty(t *testing.T) {
	fake := &fakeCommunicator{data: nil}
	c := clientWithFactory(func(voice string) (communicator, error) {
		return fake, nil
	})

	_, err := c.Synthesize(context.Background(), translator.DirectionENtoCN, "hello")
	if apperrors.KindOf(err) != apperrors.KindSynthesisEmpty {
		t.Fatalf("got %v, want SynthesisEmpty", err)
	}
}

func TestSynthesizeTimesOutOnSlowSynthesizer(t *testing.T) {
	fake := &fakeCommunicator{data: []byte("too-late"), delay: time.Second}
	c := clientWithFactory(func(voice string) (communicator, error) {
		return fake, nil
	})

	_, err := c.Synthesize(context.Background(), translator.DirectionCNtoEN, "hello")
	if apperrors.KindOf(err) != apperrors.KindTimeout {
		t.Fatalf("got %v, want Timeout", err)
	}
}
