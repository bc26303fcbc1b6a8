package causal

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	// HeaderSecret carries the shared audit secret.
	HeaderSecret = "X-Arc-Secret"
	// HeaderLegacySecret is the older spelling, accepted with equal weight.
	HeaderLegacySecret = "X-Kayan-Secret"
)

type secretKey struct{}

// WithPresentedSecret returns a context carrying the secret the caller presented.
func WithPresentedSecret(ctx context.Context, secret string) context.Context {
	return context.WithValue(ctx, secretKey{}, secret)
}

// PresentedSecret returns the secret stored by WithPresentedSecret.
func PresentedSecret(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(secretKey{}).(string)
	return v, ok
}

// SecretFromRequest reads the shared secret from either accepted header.
// The canonical header wins when both are present.
func SecretFromRequest(r *http.Request) string {
	if v := r.Header.Get(HeaderSecret); v != "" {
		return v
	}
	return r.Header.Get(HeaderLegacySecret)
}

// secretMatches compares in constant time. An unset configured secret never matches.
func secretMatches(configured, presented string) bool {
	if strings.TrimSpace(configured) == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
