package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks a GitHub X-Hub-Signature-256 header against the
// HMAC-SHA256 of payload. A missing header or one without the sha256=
// prefix fails.
func VerifySignature(payload []byte, header, secret string) bool {
	if header == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, signaturePrefix)))
}

// Sign returns the X-Hub-Signature-256 value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

var (
	errMissingKey = errors.New("Missing X-API-Key header")
	errInvalidKey = errors.New("Invalid API key")
)

// checkAPIKey compares key with secret in constant time. An empty secret
// disables the check.
func checkAPIKey(key string, present bool, secret string) error {
	if secret == "" {
		return nil
	}
	if !present {
		return errMissingKey
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
		return errInvalidKey
	}
	return nil
}
