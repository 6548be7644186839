// Package apperrors defines the error-kind taxonomy shared across the
// gateway: every child operation (STT, translation, synthesis, transport)
// reports failures as a Kind rather than a bespoke error type, so the
// session state machine can make a single policy decision per Kind.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfigError          Kind = "ConfigError"
	KindUpstreamUnavailable  Kind = "UpstreamUnavailable"
	KindUpstreamProtocol     Kind = "UpstreamProtocol"
	KindIdleTimeout          Kind = "IdleTimeout"
	KindBackpressured        Kind = "Backpressured"
	KindClientSlow           Kind = "ClientSlow"
	KindTimeout              Kind = "Timeout"
	KindTranslationFailed    Kind = "TranslationFailed"
	KindTranslationRefused   Kind = "TranslationRefused"
	KindSynthesisFailed      Kind = "SynthesisFailed"
	KindSynthesisEmpty       Kind = "SynthesisEmpty"
	KindClosed               Kind = "Closed"
	KindUnknown              Kind = "Unknown"
)

// Error is the concrete error value carried through the system. Op names
// the operation that failed (e.g. "stt.Open", "session.finalize"); Message
// is a short, user-safe description suitable for the client's error frame.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap attaches a Kind/Op to err. If err is already an *Error it is
// returned unchanged so wrapping stays idempotent across layers.
func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var target *Error
	for err != nil {
		if errors.As(err, &target) {
			return target.Kind == kind
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf extracts the Kind carried by err, or KindUnknown if none.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindUnknown
}
