package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-KPay-Signature"

// Sign computes the webhook signature for body.
func Sign(secret string, body []byte) string {
	key := strings.TrimSpace(secret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, provided string) bool {
	expected := Sign(secret, body)
	provided = strings.ToLower(strings.TrimSpace(provided))
	return expected != "" && provided != "" && hmac.Equal([]byte(expected), []byte(provided))
}
