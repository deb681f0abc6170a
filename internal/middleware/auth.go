// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// SignatureHeader carries the webhook body signature as sha256=<hex>.
	SignatureHeader = "X-Signature"

	// AdminTokenHeader carries the administrative token.
	AdminTokenHeader = "X-Admin-Token"

	// MaxBodyBytes caps inbound webhook bodies.
	MaxBodyBytes = 1 << 20

	signaturePrefix = "sha256="
)

// ErrInvalidSignature is returned when a webhook signature is missing or
// does not match the body.
var ErrInvalidSignature = errors.New("invalid signature")

// Sign returns the X-Signature value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// CheckSignature verifies header against body.
func CheckSignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), signaturePrefix) {
		return ErrInvalidSignature
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(strings.ToLower(header)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifySignature checks the HMAC-SHA256 signature of the request body. With
// enforce off, a mismatch is only logged. With no secret the check is skipped.
// The body is restored for the next handler.
func VerifySignature(secret string, enforce bool, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		if log == nil {
			log = logger.NewNop()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				http.Error(w, `{"error":"request body too large or unreadable"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := CheckSignature(secret, body, r.Header.Get(SignatureHeader)); err != nil {
				if enforce {
					metrics.EventsRejected.WithLabelValues("invalid_signature").Inc()
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnauthorized)
					_, _ = w.Write([]byte(`{"error":"invalid signature"}`))
					return
				}
				log.Warn("webhook signature mismatch",
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", GetCorrelationID(r.Context())),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminToken guards administrative routes. An empty token disables them.
func AdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, `{"error":"admin endpoints are disabled"}`, http.StatusForbidden)
				return
			}
			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"invalid admin token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
