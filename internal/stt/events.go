package stt

import "time"

// EventKind enumerates the TranscriptEvent variants of spec.md §3.
type EventKind string

const (
	EventInterim      EventKind = "interim"
	EventFinal        EventKind = "final"
	EventUtteranceEnd EventKind = "utterance_end"
	EventError        EventKind = "error"
	EventClosed       EventKind = "closed"
)

// TranscriptEvent is produced by the STT Client and consumed once by the
// owning session.
type TranscriptEvent struct {
	Kind    EventKind
	Text    string
	Channel int
	End     time.Duration
	Err     error
}

// resultsEnvelope mirrors the streaming recognizer's "Results" message.
type resultsEnvelope struct {
	Type       string `json:"type"`
	ChannelIdx []int  `json:"channel_index"`
	IsFinal    bool   `json:"is_final"`
	SpeechFin  bool   `json:"speech_final"`
	Channel    struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// utteranceEndEnvelope mirrors the "UtteranceEnd" message.
type utteranceEndEnvelope struct {
	Type        string  `json:"type"`
	LastWordEnd float64 `json:"last_word_end"`
	Channel     []int   `json:"channel"`
}

// typeProbe extracts just the discriminator field so the read loop can
// decide which concrete envelope to unmarshal into.
type typeProbe struct {
	Type string `json:"type"`
}
