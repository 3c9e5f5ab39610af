package telnyx

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// Header names Telnyx attaches to every webhook delivery.
const (
	SignatureHeader = "telnyx-signature-ed25519"
	TimestampHeader = "telnyx-timestamp"
)

// decodeKeyMaterial accepts hex or base64, whichever parses to the expected
// length. Telnyx presents the public key as base64 in the portal but hex in
// some exports; accepting both avoids a config footgun.
func decodeKeyMaterial(s string, wantLen int) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == wantLen {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == wantLen {
		return b, nil
	}
	return nil, errors.New("key material is neither valid hex nor base64 of the expected length")
}

// signedMessage is the exact byte string Telnyx signs: timestamp, a pipe, and
// the raw request body.
func signedMessage(timestamp string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '|')
	msg = append(msg, body...)
	return msg
}

// verifyEd25519 checks the webhook signature. Any decode failure is a failed
// verification, never a pass.
func verifyEd25519(publicKey, signature, timestamp string, body []byte) bool {
	pub, err := decodeKeyMaterial(publicKey, ed25519.PublicKeySize)
	if err != nil {
		return false
	}
	sig, err := decodeKeyMaterial(signature, ed25519.SignatureSize)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), signedMessage(timestamp, body), sig)
}
