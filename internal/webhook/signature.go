// Package webhook verifies and parses inbound container-registry
// webhooks (component E's trigger source): HMAC-SHA256 signature
// verification over the raw body, and payload parsing for the two
// registry shapes the spec names (Docker Hub, GHCR).
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes hex(HMAC-SHA256(secret, body)), the signature a
// registry is expected to send in X-Hub-Signature.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches hex(HMAC-SHA256(secret,
// body)), with no timestamp or replay window — the spec's scheme is a
// flat body signature, unlike the teacher's versioned
// "v1=timestamp.signature" scheme.
func VerifySignature(body []byte, secret, signature string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}
