// Package tts synthesizes one translated sentence into one audio clip,
// generalizing the teacher's Edge TTS adapter
// (internal/domain/tts/infrastructure/adapters/edge) down to the single
// synthesize-and-return shape spec.md §4.3 needs: no disk files, no
// cache, no circuit breaker, one call in and one audio buffer out.
package tts

import (
	"context"
	"strings"
	"time"

	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"github.com/parlance-gateway/gateway/internal/apperrors"
	"github.com/parlance-gateway/gateway/internal/translator"
)

const defaultTimeout = 8 * time.Second

// Audio is a finite, in-memory synthesized clip.
type Audio struct {
	Data        []byte
	ContentType string
}

// defaultVoices mirrors the teacher's GetAvailableVoices table, picking
// one natural voice per translation direction.
var defaultVoices = map[translator.Direction]string{
	translator.DirectionCNtoEN: "en-US-AriaNeural",
	translator.DirectionENtoCN: "zh-CN-XiaoxiaoNeural",
}

// Communicator is the per-voice synthesizer the Client depends on;
// edgeCommunicator adapts Edge TTS to it, and callers (production code
// and tests alike) can substitute another synthesizer.
type Communicator interface {
	Output(text string) ([]byte, error)
	Close() error
}

type communicator = Communicator

// CommunicatorFactory opens a Communicator bound to one voice.
type CommunicatorFactory func(voice string) (Communicator, error)

type communicatorFactory = CommunicatorFactory

// edgeCommunicator adapts edge_tts's construct-with-text-then-stream API
// to the per-call Communicator shape this package depends on.
type edgeCommunicator struct {
	voice string
}

func (e *edgeCommunicator) Output(text string) ([]byte, error) {
	comm, err := edge_tts.NewCommunicate(text, edge_tts.SetVoice(e.voice))
	if err != nil {
		return nil, err
	}
	return comm.Stream()
}

func (e *edgeCommunicator) Close() error {
	return nil
}

func defaultFactory(voice string) (Communicator, error) {
	return &edgeCommunicator{voice: voice}, nil
}

// Client synthesizes speech for a fixed set of translation directions.
type Client struct {
	voices  map[translator.Direction]string
	factory CommunicatorFactory
	timeout time.Duration
}

// Config parameterizes a Client.
type Config struct {
	// Voices overrides the per-direction voice selection; nil uses defaultVoices.
	Voices  map[translator.Direction]string
	Timeout time.Duration
}

// New constructs a synthesis Client backed by Edge TTS.
func New(cfg Config) *Client {
	return NewWithFactory(cfg, defaultFactory)
}

// NewWithFactory constructs a synthesis Client backed by an arbitrary
// Communicator factory, e.g. a fake in tests or an alternate provider.
func NewWithFactory(cfg Config, factory CommunicatorFactory) *Client {
	voices := cfg.Voices
	if voices == nil {
		voices = defaultVoices
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{voices: voices, factory: factory, timeout: timeout}
}

// Synthesize renders text as speech in the voice assigned to direction.
// An empty or whitespace-only text is rejected before any synthesis
// work, matching spec.md §8's empty-input boundary for the pipeline.
func (c *Client) Synthesize(ctx context.Context, direction translator.Direction, text string) (Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, apperrors.New(apperrors.KindSynthesisEmpty, "tts.Synthesize", "empty text")
	}

	voice, ok := c.voices[direction]
	if !ok {
		return Audio{}, apperrors.New(apperrors.KindConfigError, "tts.Synthesize", "no voice configured for direction: "+string(direction))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		comm, err := c.factory(voice)
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer comm.Close()

		data, err := comm.Output(text)
		resultCh <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return Audio{}, apperrors.New(apperrors.KindTimeout, "tts.Synthesize", "synthesis timed out")
	case r := <-resultCh:
		if r.err != nil {
			return Audio{}, apperrors.Wrap(apperrors.KindSynthesisFailed, "tts.Synthesize", "edge-tts synthesis failed", r.err)
		}
		if len(r.data) == 0 {
			return Audio{}, apperrors.New(apperrors.KindSynthesisEmpty, "tts.Synthesize", "synthesizer returned no audio")
		}
		return Audio{Data: r.data, ContentType: "audio/mpeg"}, nil
	}
}
