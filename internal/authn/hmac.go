// Package authn implements the fixed-contract cryptographic primitives the
// core treats as black boxes: at-rest API key encryption and HMAC signing
// of outbound webhook deliveries.
package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces and verifies HMAC-SHA256 signatures over a shared secret.
// Used to sign outbound webhook bodies with the broker's HMAC_KEY so tenant
// receivers can authenticate delivery.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from the configured HMAC_KEY.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex-encoded HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature (hex-encoded) matches payload, in
// constant time.
func (s *Signer) Verify(payload []byte, signature string) bool {
	expected := s.Sign(payload)
	return hmac.Equal([]byte(signature), []byte(expected))
}
