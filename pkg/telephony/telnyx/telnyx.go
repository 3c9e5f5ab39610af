// Package telnyx implements the telephony adapter for Telnyx Call Control
// v2: JSON call actions, media streaming, and Ed25519 webhook verification.
package telnyx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/telephony"
)

// carrierSampleRate is the media streaming rate: mulaw, 8 kHz, mono.
const carrierSampleRate = 8000

// Config holds Telnyx credentials and webhook policy.
type Config struct {
	APIKey string

	// ConnectionID is the Call Control application placing outbound calls.
	ConnectionID string

	// PublicKey is the webhook signing key from the portal, hex or base64.
	PublicKey string

	BaseURL string

	// StrictSignature rejects webhook requests that carry no signature at
	// all. Leave false only in local development behind a tunnel.
	StrictSignature bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Adapter implements telephony.Adapter for Telnyx.
type Adapter struct {
	cfg      Config
	rest     *restClient
	log      *slog.Logger
	handlers map[string]func(map[string]any) (*telephony.WebhookResult, error)
}

// New builds a Telnyx adapter. Credentials are required up front so a
// misconfigured deployment fails at startup, not on the first call.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, core.NewProviderUnavailable("telnyx API key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		cfg:  cfg,
		rest: newRESTClient(cfg.APIKey, cfg.BaseURL, cfg.HTTPClient),
		log:  cfg.Logger.With("carrier", "telnyx"),
	}
	a.handlers = map[string]func(map[string]any) (*telephony.WebhookResult, error){
		"call.initiated":               a.handleCallInitiated,
		"call.answered":                a.handleCallAnswered,
		"call.hangup":                  a.handleCallHangup,
		"call.machine.detection.ended": a.handleMachineDetection,
	}
	return a, nil
}

func (a *Adapter) Name() string { return "telnyx" }

// SetupCall places an outbound call with media streaming attached from the
// first packet.
func (a *Adapter) SetupCall(ctx context.Context, params telephony.CallParams) (telephony.CallInfo, error) {
	body := map[string]any{
		"connection_id": a.cfg.ConnectionID,
		"to":            params.To,
		"from":          params.From,
		"stream_url":    params.StreamURL,
		"stream_track":  "both_tracks",
	}
	if params.StatusCallbackURL != "" {
		body["webhook_url"] = params.StatusCallbackURL
	}
	if params.Timeout > 0 {
		body["timeout_secs"] = int(params.Timeout.Seconds())
	}
	if params.Record {
		body["record"] = "record-from-answer"
	}

	call, err := a.rest.dial(ctx, body)
	if err != nil {
		return telephony.CallInfo{}, err
	}
	a.log.Info("outbound call created", "call_control_id", call.CallControlID, "to", params.To)
	return telephony.CallInfo{
		CallID:    call.CallControlID,
		From:      params.From,
		To:        params.To,
		Direction: telephony.DirectionOutbound,
		State:     telephony.CallStateRinging,
		StreamURL: params.StreamURL,
		StartedAt: time.Now().UTC(),
	}, nil
}

// AnswerCall accepts an inbound call and starts streaming.
func (a *Adapter) AnswerCall(ctx context.Context, callID, streamURL string) error {
	body := map[string]any{
		"stream_url":   streamURL,
		"stream_track": "both_tracks",
	}
	if err := a.rest.action(ctx, callID, "answer", body); err != nil {
		return err
	}
	a.log.Info("call answered", "call_control_id", callID)
	return nil
}

// EndCall issues a hangup action.
func (a *Adapter) EndCall(ctx context.Context, callID string) error {
	if err := a.rest.action(ctx, callID, "hangup", map[string]any{}); err != nil {
		a.log.Warn("hangup failed", "call_control_id", callID, "error", err)
		return err
	}
	return nil
}

// ValidateWebhook verifies the Ed25519 signature over timestamp|body. A
// failed verification is logged at warning level and the event is dropped;
// any failure inside the verifier counts as failed verification.
func (a *Adapter) ValidateWebhook(signature string, req *telephony.WebhookRequest) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("signature verifier panicked, rejecting webhook", "panic", r)
			ok = false
		}
	}()
	if signature == "" {
		if a.cfg.StrictSignature {
			a.log.Warn("webhook rejected: no signature present")
			return false
		}
		a.log.Warn("webhook accepted without signature; strict mode disabled")
		return true
	}
	if !verifyEd25519(a.cfg.PublicKey, signature, req.Timestamp, req.Body) {
		a.log.Warn("webhook signature verification failed")
		return false
	}
	return true
}

// webhookEnvelope is the Call Control event wrapper.
type webhookEnvelope struct {
	Data struct {
		EventType string         `json:"event_type"`
		ID        string         `json:"id"`
		Payload   map[string]any `json:"payload"`
	} `json:"data"`
}

// DecodeWebhook unwraps the event envelope. Malformed JSON is logged and
// dropped rather than failed, matching the carrier's at-least-once delivery:
// a rejection would only trigger redelivery of the same malformed body.
func (a *Adapter) DecodeWebhook(req *telephony.WebhookRequest) (string, map[string]any, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil || env.Data.EventType == "" {
		a.log.Debug("malformed webhook body ignored")
		return "", nil, nil
	}
	return env.Data.EventType, env.Data.Payload, nil
}

// HandleWebhook dispatches through the handler table. Unknown event types are
// logged and ignored.
func (a *Adapter) HandleWebhook(eventType string, payload map[string]any) (*telephony.WebhookResult, error) {
	h, ok := a.handlers[eventType]
	if !ok {
		a.log.Debug("unhandled webhook event", "event_type", eventType)
		return nil, nil
	}
	return h(payload)
}

func (a *Adapter) handleCallInitiated(payload map[string]any) (*telephony.WebhookResult, error) {
	return a.callResult("call.initiated", telephony.CallStateRinging, payload)
}

func (a *Adapter) handleCallAnswered(payload map[string]any) (*telephony.WebhookResult, error) {
	return a.callResult("call.answered", telephony.CallStateAnswered, payload)
}

func (a *Adapter) handleCallHangup(payload map[string]any) (*telephony.WebhookResult, error) {
	cause, _ := payload["hangup_cause"].(string)
	return a.callResult("call.hangup", mapHangupCause(cause), payload)
}

// handleMachineDetection surfaces AMD results as answered-with-payload; the
// consumer decides whether machine answers keep the session alive.
func (a *Adapter) handleMachineDetection(payload map[string]any) (*telephony.WebhookResult, error) {
	return a.callResult("call.machine.detection.ended", telephony.CallStateAnswered, payload)
}

func (a *Adapter) callResult(eventType string, state telephony.CallState, payload map[string]any) (*telephony.WebhookResult, error) {
	callID, _ := payload["call_control_id"].(string)
	if callID == "" {
		a.log.Debug("webhook payload without call_control_id ignored", "event_type", eventType)
		return nil, nil
	}
	return &telephony.WebhookResult{
		CallID:    callID,
		EventType: eventType,
		CallState: state,
		Payload:   payload,
	}, nil
}

func mapHangupCause(cause string) telephony.CallState {
	switch cause {
	case "user_busy":
		return telephony.CallStateBusy
	case "no_answer", "originator_cancel", "timeout":
		return telephony.CallStateNoAnswer
	case "call_rejected", "unspecified", "unallocated_number", "network_error":
		return telephony.CallStateFailed
	default:
		return telephony.CallStateCompleted
	}
}

// ConvertFromTelephony decodes carrier mulaw to PCM16 and resamples to the
// provider's rate.
func (a *Adapter) ConvertFromTelephony(chunk audio.Chunk, targetRate int) (audio.Chunk, error) {
	if chunk.Format != audio.FormatMulaw {
		return audio.Chunk{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("telnyx media is ulaw, got %s", chunk.Format))
	}
	pcm, err := audio.DecodeMulaw(chunk)
	if err != nil {
		return audio.Chunk{}, err
	}
	return audio.Resample(pcm, targetRate)
}

// ConvertToTelephony resamples PCM16 down to 8 kHz and encodes mulaw.
func (a *Adapter) ConvertToTelephony(chunk audio.Chunk) (audio.Chunk, error) {
	pcm, err := audio.Resample(chunk, carrierSampleRate)
	if err != nil {
		return audio.Chunk{}, err
	}
	return audio.EncodeMulaw(pcm)
}
