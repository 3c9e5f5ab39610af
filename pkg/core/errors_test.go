package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without provider",
			err:  NewSessionNotFound("sess_1"),
			want: `session_not_found: session "sess_1" not found`,
		},
		{
			name: "with provider",
			err:  NewProtocolError("openai", "unexpected frame"),
			want: "protocol_error: openai: unexpected frame",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"taxonomy error", NewProviderUnavailable("no candidates"), CodeProviderUnavailable},
		{"wrapped taxonomy error", fmt.Errorf("start session: %w", NewSignatureInvalid("twilio", "bad sig")), CodeSignatureInvalid},
		{"foreign error", errors.New("boom"), CodeUnknown},
		{"nil-ish plain", fmt.Errorf("plain"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("connect: %w", NewConnectionError("telnyx", errors.New("dial tcp: refused")))
	if !errors.Is(err, &Error{Code: CodeConnectionError}) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, &Error{Code: CodeProtocolError}) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("dial tcp: connection refused")
	err := NewConnectionError("openai", underlying)
	if !errors.Is(err, underlying) {
		t.Error("wrapped error should be reachable via errors.Is")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewConnectionError("openai", errors.New("refused"))) {
		t.Error("connection errors are retryable")
	}
	if IsRetryable(NewProtocolError("openai", "bad frame")) {
		t.Error("protocol errors are not retryable")
	}
	if IsRetryable(NewUnsupportedAudioFormat("opus at 48kHz")) {
		t.Error("capability errors are not retryable")
	}
}
