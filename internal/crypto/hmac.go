// Package crypto provides HMAC request signing and encrypted storage of the
// exchange API secret.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HMACAuth holds the credentials for signed futures API requests. The secret
// never leaves this package; callers get signatures and headers only.
type HMACAuth struct {
	Key    string // API key, sent in the X-MBX-APIKEY header
	Secret string // API secret, the HMAC-SHA256 signing key
}

// Sign computes the hex-encoded HMAC-SHA256 signature over the request's
// query string plus body, the scheme signed futures endpoints expect.
func (h *HMACAuth) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers returns the HTTP headers attached to every authenticated request.
func (h *HMACAuth) Headers() map[string]string {
	return map[string]string{
		"X-MBX-APIKEY": h.Key,
	}
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
