package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier authenticates provider callbacks with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the provided shared secret.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		panic("callback verifier requires non-empty secret")
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify checks the signature against an HMAC-SHA256 of the exact raw
// payload bytes. The caller must pass the body as received on the wire;
// re-serialized JSON can differ byte-for-byte and break verification.
// Malformed or missing signatures report false, never an error.
func (v *Verifier) Verify(raw []byte, signature string) bool {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return false
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the hex signature for a payload. Used by tests and by the
// loopback provider to produce callbacks the verifier accepts.
func (v *Verifier) Sign(raw []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
