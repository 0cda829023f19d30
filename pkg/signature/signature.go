// Package signature signs and verifies webhook bodies with HMAC-SHA256.
//
// The header value has the form "sha256=<hex digest>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"integrahub/pkg/constraints"
)

// Sign returns the header value for body signed with secret.
func Sign(body []byte, secret string) string {
	return constraints.SignaturePrefix + hex.EncodeToString(compute(body, secret))
}

// Verify reports whether header carries a valid signature of body. The
// comparison is constant time.
func Verify(body []byte, secret, header string) bool {
	if secret == "" || !strings.HasPrefix(header, constraints.SignaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, constraints.SignaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(compute(body, secret), got)
}

func compute(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
