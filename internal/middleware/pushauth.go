package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// maxCallbackBody caps the size of a push notification body.
const maxCallbackBody = 1 << 20

// SecretFunc resolves the shared secret for a request. ok is false when the
// request targets no live registration.
type SecretFunc func(r *http.Request) (secret string, ok bool)

// PushAuth returns middleware that authenticates push notification
// callbacks. A callback either presents the secret verbatim in tokenHeader
// or signs its body with it as "sha256=<hex>" in signatureHeader.
func PushAuth(lookup SecretFunc, tokenHeader, signatureHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, ok := lookup(r)
			if !ok || secret == "" {
				http.Error(w, `{"error":"unknown push registration"}`, http.StatusNotFound)
				return
			}

			token := r.Header.Get(tokenHeader)
			sig := r.Header.Get(signatureHeader)
			if token == "" && sig == "" {
				http.Error(w, `{"error":"missing push credentials"}`, http.StatusUnauthorized)
				return
			}

			if token != "" {
				if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
					http.Error(w, `{"error":"invalid push token"}`, http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody+1))
			if err != nil || len(body) > maxCallbackBody {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyHMAC(body, sig, secret) {
				http.Error(w, `{"error":"invalid push signature"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Sign returns the "sha256=<hex>" signature of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC checks an HMAC-SHA256 signature. Supports both raw hex and
// "sha256=<hex>" prefix formats.
func verifyHMAC(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	return hmac.Equal(sigBytes, expected)
}
