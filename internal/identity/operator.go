package identity

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// OperatorSecretHeader carries the shared secret authenticating the
// operator channel (spec §6: "Operator HTTP surface (authenticated by
// shared secret)").
const OperatorSecretHeader = "X-Operator-Secret"

type operatorContextKey int

const operatorAuthedKey operatorContextKey = iota

// OperatorAuthenticated reports whether the request's context was marked
// authenticated by OperatorMiddleware.
func OperatorAuthenticated(ctx context.Context) bool {
	v, _ := ctx.Value(operatorAuthedKey).(bool)
	return v
}

// OperatorMiddleware rejects any request whose X-Operator-Secret header
// doesn't match secret using a constant-time comparison.
func OperatorMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(OperatorSecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 || secret == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), operatorAuthedKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SandboxMiddleware authenticates the sandbox-event ingress channel
// against a distinct shared secret (spec §6 lists the sandbox API secret
// separately from the operator shared secret).
func SandboxMiddleware(secret string) func(http.Handler) http.Handler {
	return OperatorMiddleware(secret)
}
