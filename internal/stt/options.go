package stt

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/parlance-gateway/gateway/internal/apperrors"
)

// Options negotiates a streaming recognition session, matching the
// query-string options of spec.md §6.
type Options struct {
	Model          string
	Language       string
	SampleRate     int    // 0 means the audio is containerized; Encoding/SampleRate are omitted
	Encoding       string // "linear16" for raw PCM; empty for container auto-detect
	InterimResults bool
	UtteranceEndMS int
	EndpointingMS  int
	VADEvents      bool
}

// Validate reports a ConfigError for options the upstream service would
// reject outright, so callers fail fast before dialing.
func (o Options) Validate() error {
	if o.Model == "" {
		return apperrors.New(apperrors.KindConfigError, "stt.Options.Validate", "model is required")
	}
	if o.Language == "" {
		return apperrors.New(apperrors.KindConfigError, "stt.Options.Validate", "language is required")
	}
	if o.UtteranceEndMS < 1000 {
		return apperrors.New(apperrors.KindConfigError, "stt.Options.Validate", "utterance_end_ms must be >= 1000")
	}
	if o.EndpointingMS <= 0 {
		return apperrors.New(apperrors.KindConfigError, "stt.Options.Validate", "endpointing must be positive")
	}
	if o.Encoding != "" && o.SampleRate <= 0 {
		return apperrors.New(apperrors.KindConfigError, "stt.Options.Validate", "sample_rate is required when encoding is set")
	}
	return nil
}

func (o Options) queryString() string {
	q := url.Values{}
	q.Set("model", o.Model)
	q.Set("language", o.Language)
	q.Set("interim_results", strconv.FormatBool(o.InterimResults))
	q.Set("utterance_end_ms", strconv.Itoa(o.UtteranceEndMS))
	q.Set("endpointing", strconv.Itoa(o.EndpointingMS))
	q.Set("vad_events", strconv.FormatBool(o.VADEvents))
	if o.Encoding != "" {
		q.Set("encoding", o.Encoding)
		q.Set("sample_rate", strconv.Itoa(o.SampleRate))
	}
	return q.Encode()
}

// URL builds the dial target by attaching Options as query parameters to
// base (e.g. "wss://api.example-stt.com/v1/listen").
func (o Options) URL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("stt: invalid base url: %w", err)
	}
	u.RawQuery = o.queryString()
	return u.String(), nil
}
