package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Delivery headers sent with every webhook POST.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-Id"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Sign computes the hex HMAC-SHA256 of the raw body under the endpoint's
// secret. Receivers recompute it to authenticate the POST; the timestamp
// and delivery id travel in their own headers.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NewSecret generates an endpoint signing secret.
func NewSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhooks: generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

func newEventID() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "evt_" + hex.EncodeToString(buf)
}
