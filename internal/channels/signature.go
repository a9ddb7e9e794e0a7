package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyHubSignature checks a Meta-style X-Hub-Signature-256 header against
// the raw request body. The header value is "sha256=" followed by the hex
// HMAC-SHA256 of the body keyed with the app secret. Comparison is constant
// time.
func VerifyHubSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// SignHubPayload computes the X-Hub-Signature-256 header value for a body.
// Used by tests and by transports that sign their own callbacks.
func SignHubPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
