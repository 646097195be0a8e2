// Package security implements the inbound webhook trust boundary.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"gitops-sentinel/pkg/domain/errors"
)

// SignatureHeader is the MAC header carried by webhook deliveries.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// VerifySignature checks the claimed MAC against HMAC-SHA256(secret, body)
// using a constant-time comparison. It has no side effects.
func VerifySignature(secret, body []byte, header string) error {
	if header == "" {
		return errors.New(errors.KindSignatureMissing, "security", "signature header missing")
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return errors.New(errors.KindSignatureInvalid, "security", "malformed signature header")
	}
	claimed, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return errors.New(errors.KindSignatureInvalid, "security", "signature is not valid hex")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(claimed, expected) {
		return errors.New(errors.KindSignatureInvalid, "security", "signature mismatch")
	}
	return nil
}

// Sign computes the signature header value for a payload. Used by tests
// and by the manual redelivery tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
