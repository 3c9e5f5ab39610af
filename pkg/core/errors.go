// Package core defines the error taxonomy shared by every voicebridge package.
package core

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeProviderUnavailable means no provider credentials are configured or
	// every failover candidate has been exhausted. Fatal for the session.
	CodeProviderUnavailable Code = "provider_unavailable"

	// CodeSignatureInvalid means a carrier webhook failed signature
	// verification. The event is dropped and never processed.
	CodeSignatureInvalid Code = "signature_invalid"

	// CodeUnsupportedAudioFormat means an audio chunk's format or sample rate
	// does not match the receiving hop's declared capability.
	CodeUnsupportedAudioFormat Code = "unsupported_audio_format"

	// CodeSessionNotFound means a registry lookup missed.
	CodeSessionNotFound Code = "session_not_found"

	// CodeConnectionError is a transient network failure while connecting to a
	// provider or carrier. Triggers the one-shot failover chain.
	CodeConnectionError Code = "connection_error"

	// CodeProtocolError is a malformed or unexpected provider response, or an
	// illegal session state transition. Fatal for the session.
	CodeProtocolError Code = "protocol_error"

	// CodeUnknown is returned by CodeOf for errors outside the taxonomy.
	CodeUnknown Code = "unknown"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is matches errors by code so callers can use errors.Is with a bare
// &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewProviderUnavailable creates a provider_unavailable error.
func NewProviderUnavailable(message string) *Error {
	return &Error{Code: CodeProviderUnavailable, Message: message}
}

// NewSignatureInvalid creates a signature_invalid error.
func NewSignatureInvalid(carrier, message string) *Error {
	return &Error{Code: CodeSignatureInvalid, Provider: carrier, Message: message}
}

// NewUnsupportedAudioFormat creates an unsupported_audio_format error.
func NewUnsupportedAudioFormat(message string) *Error {
	return &Error{Code: CodeUnsupportedAudioFormat, Message: message}
}

// NewSessionNotFound creates a session_not_found error for the given session ID.
func NewSessionNotFound(sessionID string) *Error {
	return &Error{Code: CodeSessionNotFound, Message: fmt.Sprintf("session %q not found", sessionID)}
}

// NewConnectionError wraps a transient network failure.
func NewConnectionError(provider string, underlying error) *Error {
	msg := "connection failed"
	if underlying != nil {
		msg = underlying.Error()
	}
	return &Error{Code: CodeConnectionError, Provider: provider, Message: msg, wrapped: underlying}
}

// NewProtocolError wraps a malformed or unexpected response.
func NewProtocolError(provider, message string) *Error {
	return &Error{Code: CodeProtocolError, Provider: provider, Message: message}
}

// Wrap attaches an underlying error to e and returns e.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown for errors
// produced outside the taxonomy.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether a failed connect attempt may be retried on the
// next failover candidate. Only transient connection errors qualify; a
// protocol or capability error would fail identically on every candidate.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeConnectionError
}
