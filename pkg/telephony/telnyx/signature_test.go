package telnyx

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/voicebridge/voicebridge/pkg/telephony"
)

func signedWebhook(t *testing.T, body []byte, timestamp string) (pubHex, sigB64 string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, signedMessage(timestamp, body))
	return hex.EncodeToString(pub), base64.StdEncoding.EncodeToString(sig)
}

func newTestAdapter(t *testing.T, publicKey string, strict bool) *Adapter {
	t.Helper()
	a, err := New(Config{APIKey: "KEY_test", PublicKey: publicKey, StrictSignature: strict})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestValidateWebhook(t *testing.T) {
	body := []byte(`{"data":{"event_type":"call.hangup","payload":{"call_control_id":"v3:abc"}}}`)
	ts := "1717171717"
	pubHex, sig := signedWebhook(t, body, ts)

	a := newTestAdapter(t, pubHex, true)
	req := &telephony.WebhookRequest{Body: body, Timestamp: ts}
	if !a.ValidateWebhook(sig, req) {
		t.Error("correctly signed webhook must validate")
	}

	t.Run("tampered body", func(t *testing.T) {
		bad := &telephony.WebhookRequest{Body: []byte(`{"data":{}}`), Timestamp: ts}
		if a.ValidateWebhook(sig, bad) {
			t.Error("tampered body must not validate")
		}
	})
	t.Run("tampered timestamp", func(t *testing.T) {
		bad := &telephony.WebhookRequest{Body: body, Timestamp: "1717171718"}
		if a.ValidateWebhook(sig, bad) {
			t.Error("tampered timestamp must not validate")
		}
	})
	t.Run("wrong key", func(t *testing.T) {
		otherPub, _ := signedWebhook(t, body, ts)
		other := newTestAdapter(t, otherPub, true)
		if other.ValidateWebhook(sig, req) {
			t.Error("signature from a different key must not validate")
		}
	})
	t.Run("absent signature strict", func(t *testing.T) {
		if a.ValidateWebhook("", req) {
			t.Error("strict mode must reject unsigned webhooks")
		}
	})
	t.Run("absent signature lax", func(t *testing.T) {
		lax := newTestAdapter(t, pubHex, false)
		if !lax.ValidateWebhook("", req) {
			t.Error("lax mode should accept an unsigned webhook")
		}
	})
}

func TestValidateWebhookBadKeyMaterial(t *testing.T) {
	body := []byte(`{}`)
	ts := "1717171717"
	_, sig := signedWebhook(t, body, ts)
	req := &telephony.WebhookRequest{Body: body, Timestamp: ts}

	tests := []struct {
		name      string
		publicKey string
		signature string
	}{
		{"garbage public key", "zz-not-a-key", sig},
		{"truncated public key", "abcd", sig},
		{"garbage signature", validTestKey(t), "!!not base64 or hex!!"},
		{"truncated signature", validTestKey(t), "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, tt.publicKey, true)
			if a.ValidateWebhook(tt.signature, req) {
				t.Error("undecodable key material must fail closed")
			}
		})
	}
}

func validTestKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(pub)
}

func TestDecodeKeyMaterialBase64(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeKeyMaterial(base64.StdEncoding.EncodeToString(pub), ed25519.PublicKeySize)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(pub) {
		t.Error("base64 key did not round-trip")
	}
}
