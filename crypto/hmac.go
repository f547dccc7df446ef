package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrSignatureMismatch is returned when a payload MAC does not verify.
var ErrSignatureMismatch = errors.New("payload signature mismatch")

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a hex-encoded HMAC-SHA256 over the raw payload.
// The comparison is constant time; a malformed or empty signature never
// verifies, and neither does an empty secret.
func VerifyPayload(secret, payload []byte, signatureHex string) error {
	if len(secret) == 0 || signatureHex == "" {
		return ErrSignatureMismatch
	}
	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrSignatureMismatch
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}
