package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the signature header value for a payload:
// "sha256=" + hex(HMAC-SHA256(payload, secret)).
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an inbound signature header against the payload. The compare
// is constant-time. An empty secret disables verification entirely; that is
// an explicit deployment opt-out, not a default.
func Verify(payload []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return true
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(signatureHeader), []byte(expected))
}
