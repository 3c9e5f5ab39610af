// Package twilio implements the telephony adapter for Twilio: REST call
// control, Media Streams framing, and HMAC-SHA1 webhook verification.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/telephony"
)

// carrierSampleRate is the Media Streams rate: mulaw, 8 kHz, mono.
const carrierSampleRate = 8000

// Config holds Twilio credentials and webhook policy.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string

	// StrictSignature rejects webhook requests that carry no signature at
	// all. Leave false only in local development behind a tunnel.
	StrictSignature bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Adapter implements telephony.Adapter for Twilio.
type Adapter struct {
	cfg      Config
	rest     *restClient
	log      *slog.Logger
	handlers map[string]func(map[string]any) (*telephony.WebhookResult, error)
}

// New builds a Twilio adapter. Credentials are required up front so a
// misconfigured deployment fails at startup, not on the first call.
func New(cfg Config) (*Adapter, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, core.NewProviderUnavailable("twilio account SID and auth token are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Adapter{
		cfg:  cfg,
		rest: newRESTClient(cfg.AccountSID, cfg.AuthToken, cfg.BaseURL, cfg.HTTPClient),
		log:  cfg.Logger.With("carrier", "twilio"),
	}
	a.handlers = map[string]func(map[string]any) (*telephony.WebhookResult, error){
		"call.initiated": a.handleCallStatus,
		"call.answered":  a.handleCallStatus,
		"call.hangup":    a.handleCallStatus,
	}
	return a, nil
}

func (a *Adapter) Name() string { return "twilio" }

// SetupCall places an outbound call bridged onto a media stream via inline
// TwiML. Status callbacks land on the configured webhook URL.
func (a *Adapter) SetupCall(ctx context.Context, params telephony.CallParams) (telephony.CallInfo, error) {
	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	data.Set("Twiml", connectStreamTwiML(params.StreamURL))
	if params.StatusCallbackURL != "" {
		data.Set("StatusCallback", params.StatusCallbackURL)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			data.Add("StatusCallbackEvent", ev)
		}
	}
	if params.Timeout > 0 {
		data.Set("Timeout", strconv.Itoa(int(params.Timeout.Seconds())))
	}
	if params.Record {
		data.Set("Record", "true")
	}

	call, err := a.rest.createCall(ctx, data)
	if err != nil {
		return telephony.CallInfo{}, err
	}
	a.log.Info("outbound call created", "call_sid", call.SID, "to", params.To)
	return telephony.CallInfo{
		CallID:    call.SID,
		From:      call.From,
		To:        call.To,
		Direction: telephony.DirectionOutbound,
		State:     mapCallStatus(call.Status),
		StreamURL: params.StreamURL,
		StartedAt: time.Now().UTC(),
	}, nil
}

// AnswerCall redirects an in-progress inbound call onto a media stream.
func (a *Adapter) AnswerCall(ctx context.Context, callID, streamURL string) error {
	data := url.Values{}
	data.Set("Twiml", connectStreamTwiML(streamURL))
	if _, err := a.rest.updateCall(ctx, callID, data); err != nil {
		return err
	}
	a.log.Info("call answered", "call_sid", callID)
	return nil
}

// EndCall hangs up by setting the call status to completed. Hanging up a call
// that already ended is a Twilio no-op, which keeps teardown idempotent.
func (a *Adapter) EndCall(ctx context.Context, callID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	if _, err := a.rest.updateCall(ctx, callID, data); err != nil {
		a.log.Warn("hangup failed", "call_sid", callID, "error", err)
		return err
	}
	return nil
}

// ValidateWebhook checks the X-Twilio-Signature scheme: HMAC-SHA1 over the
// request URL plus the sorted form parameters. Any failure inside the
// verifier counts as failed verification, never as success.
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
	if !verifySignature(a.cfg.AuthToken, req.URL, req.Form, signature) {
		a.log.Warn("webhook signature mismatch", "url", req.URL)
		return false
	}
	return true
}

// DecodeWebhook normalizes a status-callback form post into a unified event
// type keyed off CallStatus. Posts without a CallStatus are dropped, not
// failed.
func (a *Adapter) DecodeWebhook(req *telephony.WebhookRequest) (string, map[string]any, error) {
	status := req.Form.Get("CallStatus")
	if status == "" {
		a.log.Debug("webhook without CallStatus ignored")
		return "", nil, nil
	}
	payload := make(map[string]any, len(req.Form))
	for k := range req.Form {
		payload[k] = req.Form.Get(k)
	}
	return eventTypeFor(status), payload, nil
}

// HandleWebhook dispatches through the handler table. Unknown event types are
// logged and ignored so carrier traffic this engine does not model is never
// rejected.
func (a *Adapter) HandleWebhook(eventType string, payload map[string]any) (*telephony.WebhookResult, error) {
	h, ok := a.handlers[eventType]
	if !ok {
		a.log.Debug("unhandled webhook event", "event_type", eventType)
		return nil, nil
	}
	return h(payload)
}

func (a *Adapter) handleCallStatus(payload map[string]any) (*telephony.WebhookResult, error) {
	callID, _ := payload["CallSid"].(string)
	status, _ := payload["CallStatus"].(string)
	if callID == "" {
		a.log.Debug("status callback without CallSid ignored")
		return nil, nil
	}
	return &telephony.WebhookResult{
		CallID:    callID,
		EventType: eventTypeFor(status),
		CallState: mapCallStatus(status),
		Payload:   payload,
	}, nil
}

// eventTypeFor folds Twilio's call status vocabulary into the engine's
// carrier-neutral event types.
func eventTypeFor(status string) string {
	switch status {
	case "queued", "initiated", "ringing":
		return "call.initiated"
	case "in-progress", "answered":
		return "call.answered"
	case "completed", "busy", "no-answer", "failed", "canceled":
		return "call.hangup"
	default:
		return "call." + status
	}
}

func mapCallStatus(status string) telephony.CallState {
	switch status {
	case "queued", "initiated", "ringing":
		return telephony.CallStateRinging
	case "in-progress", "answered":
		return telephony.CallStateAnswered
	case "completed":
		return telephony.CallStateCompleted
	case "busy":
		return telephony.CallStateBusy
	case "no-answer":
		return telephony.CallStateNoAnswer
	case "failed", "canceled":
		return telephony.CallStateFailed
	default:
		return telephony.CallStateFailed
	}
}

// ConvertFromTelephony decodes carrier mulaw to PCM16 and resamples to the
// provider's rate.
func (a *Adapter) ConvertFromTelephony(chunk audio.Chunk, targetRate int) (audio.Chunk, error) {
	if chunk.Format != audio.FormatMulaw {
		return audio.Chunk{}, core.NewUnsupportedAudioFormat(
			fmt.Sprintf("twilio media is ulaw, got %s", chunk.Format))
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
