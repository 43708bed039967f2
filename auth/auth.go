// Package auth implements the shared-secret authentication code used to
// gate every non-ping request: sha1(signature || secret), rendered as 40 hex
// digits, exactly as specified.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
)

// SignatureSize is the number of random bytes behind every instance's
// signature, per-instance and regenerated on each process start.
const SignatureSize = 20

// NewSignature returns a fresh random signature rendered as a hex string.
// It always generates one; instance.New only calls it when a secret is
// configured and otherwise leaves the signature "".
func NewSignature() (string, error) {
	buf := make([]byte, SignatureSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Code computes sha1(signature || secret) as 40 hex digits. When secret is
// empty the instance runs unauthenticated and Code returns "".
func Code(signature, secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha1.Sum([]byte(signature + secret))
	return hex.EncodeToString(sum[:])
}
