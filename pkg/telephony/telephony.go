// Package telephony defines the carrier adapter contract: call control,
// webhook handling with signature validation, and the bidirectional audio
// conversion between carrier-native and provider-native formats.
package telephony

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/voicebridge/voicebridge/pkg/audio"
)

// Direction of a call from the engine's point of view.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallState is the carrier-side call lifecycle, normalized across carriers.
type CallState string

const (
	CallStateRinging   CallState = "ringing"
	CallStateAnswered  CallState = "answered"
	CallStateCompleted CallState = "completed"
	CallStateBusy      CallState = "busy"
	CallStateNoAnswer  CallState = "no-answer"
	CallStateFailed    CallState = "failed"
)

// Terminal reports whether no further carrier events are expected for a call.
func (s CallState) Terminal() bool {
	switch s {
	case CallStateCompleted, CallStateBusy, CallStateNoAnswer, CallStateFailed:
		return true
	default:
		return false
	}
}

// CallInfo is carrier-side call identity. The adapter owns it; a session holds
// only the CallID as a lookup key.
type CallInfo struct {
	CallID    string
	From      string
	To        string
	Direction Direction
	State     CallState
	StreamURL string
	StartedAt time.Time
}

// CallParams configures an outbound call.
type CallParams struct {
	From              string
	To                string
	StreamURL         string
	StatusCallbackURL string
	Timeout           time.Duration
	Record            bool
}

// WebhookRequest carries everything signature verification needs: the exact
// request URL the carrier signed, the raw body, parsed form values, and the
// relevant headers.
type WebhookRequest struct {
	URL       string
	Header    http.Header
	Body      []byte
	Form      url.Values
	Timestamp string
}

// WebhookResult is the normalized outcome of one carrier event. A nil result
// means the event was valid but carries nothing the engine acts on.
type WebhookResult struct {
	CallID    string
	EventType string
	CallState CallState
	Payload   map[string]any
}

// Adapter is implemented once per carrier.
//
// ValidateWebhook MUST be called before HandleWebhook on any externally
// reachable endpoint; false means the event is discarded with no side
// effects. HandleWebhook dispatches on event type through an internal handler
// table; unknown event types and malformed payloads are logged and ignored,
// never an error, so legitimate carrier traffic using fields this engine does
// not model is not dropped.
type Adapter interface {
	Name() string

	SetupCall(ctx context.Context, params CallParams) (CallInfo, error)
	AnswerCall(ctx context.Context, callID, streamURL string) error
	// EndCall failures are logged but never block local session teardown.
	EndCall(ctx context.Context, callID string) error

	ValidateWebhook(signature string, req *WebhookRequest) bool
	// DecodeWebhook extracts (eventType, payload) from a carrier request.
	// Malformed bodies yield ("", nil, nil): permissive, logged, dropped.
	DecodeWebhook(req *WebhookRequest) (string, map[string]any, error)
	HandleWebhook(eventType string, payload map[string]any) (*WebhookResult, error)

	// ConvertFromTelephony converts a carrier-native chunk (typically mulaw
	// at 8 kHz) into PCM16 at targetRate. ConvertToTelephony is the inverse.
	// Format mismatches fail with unsupported_audio_format, never silent
	// reinterpretation.
	ConvertFromTelephony(chunk audio.Chunk, targetRate int) (audio.Chunk, error)
	ConvertToTelephony(chunk audio.Chunk) (audio.Chunk, error)
}
