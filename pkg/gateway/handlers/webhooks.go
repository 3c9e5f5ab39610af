package handlers

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/voicebridge/voicebridge/pkg/core"
	"github.com/voicebridge/voicebridge/pkg/gateway/apierror"
	"github.com/voicebridge/voicebridge/pkg/gateway/mw"
	"github.com/voicebridge/voicebridge/pkg/telephony"
	"github.com/voicebridge/voicebridge/pkg/telephony/telnyx"
)

// Carriers retry aggressively; webhook bodies stay small.
const maxWebhookBody = 1 << 20

// TwilioWebhook handles status callbacks: form-encoded, signed with
// X-Twilio-Signature over the full URL plus the sorted form parameters.
func (h *Handlers) TwilioWebhook(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.eng.Adapter("twilio")
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	req := &telephony.WebhookRequest{
		// The carrier signed the URL it dialed, not whatever host header the
		// load balancer rewrote.
		URL:    h.cfg.PublicURL + r.URL.RequestURI(),
		Header: r.Header,
		Body:   body,
		Form:   form,
	}
	h.dispatchWebhook(w, r, "twilio", adapter, r.Header.Get("X-Twilio-Signature"), req)
}

// TelnyxWebhook handles Call Control events: JSON body, Ed25519 signature
// over timestamp and raw body.
func (h *Handlers) TelnyxWebhook(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.eng.Adapter("telnyx")
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	req := &telephony.WebhookRequest{
		URL:       h.cfg.PublicURL + r.URL.RequestURI(),
		Header:    r.Header,
		Body:      body,
		Timestamp: r.Header.Get(telnyx.TimestampHeader),
	}
	h.dispatchWebhook(w, r, "telnyx", adapter, r.Header.Get(telnyx.SignatureHeader), req)
}

// dispatchWebhook runs the shared verify-decode-handle path. Invalid
// signatures are rejected; everything past verification is permissive and
// returns 204 whether or not the event was actionable.
func (h *Handlers) dispatchWebhook(w http.ResponseWriter, r *http.Request,
	carrier string, adapter telephony.Adapter, signature string, req *telephony.WebhookRequest) {

	reqID, _ := mw.RequestIDFrom(r.Context())
	if !adapter.ValidateWebhook(signature, req) {
		if h.mets != nil {
			h.mets.RecordSignatureFailure(carrier)
		}
		apierror.Write(w, core.NewSignatureInvalid(carrier, "webhook signature verification failed"), reqID)
		return
	}

	eventType, payload, err := adapter.DecodeWebhook(req)
	if err != nil || eventType == "" {
		h.recordWebhook(carrier, eventType, "ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	res, err := adapter.HandleWebhook(eventType, payload)
	if err != nil || res == nil {
		h.recordWebhook(carrier, eventType, "ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.eng.HandleCarrierEvent(r.Context(), carrier, res)
	h.answerInbound(r.Context(), carrier, adapter, res)
	h.recordWebhook(carrier, eventType, "accepted")
	w.WriteHeader(http.StatusNoContent)
}

// answerInbound bridges a ringing inbound call onto the media stream. The
// session itself starts when the carrier connects the stream and sends its
// start frame. Answer failures are logged; the carrier will retry or time the
// call out on its own.
func (h *Handlers) answerInbound(ctx context.Context, carrier string, adapter telephony.Adapter, res *telephony.WebhookResult) {
	if res.EventType != "call.initiated" || !inboundDirection(res.Payload) {
		return
	}
	if _, ok := h.eng.SessionByCall(res.CallID); ok {
		return
	}
	if err := adapter.AnswerCall(ctx, res.CallID, h.cfg.MediaURL(carrier)); err != nil {
		h.log.Warn("answer inbound call failed", "carrier", carrier,
			"call_id", res.CallID, "error", err)
	}
}

// inboundDirection reads the carrier's direction field: Twilio posts
// Direction=inbound, Telnyx sends direction=incoming.
func inboundDirection(payload map[string]any) bool {
	if d, _ := payload["Direction"].(string); d == "inbound" {
		return true
	}
	if d, _ := payload["direction"].(string); d == "incoming" {
		return true
	}
	return false
}

func (h *Handlers) recordWebhook(carrier, eventType, disposition string) {
	if h.mets == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	h.mets.RecordWebhook(carrier, eventType, disposition)
}
