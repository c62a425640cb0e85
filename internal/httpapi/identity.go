package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type memberContextKey struct{}

// IdentityMiddleware trusts the gateway-injected X-Member-ID header.
// Authentication itself happens upstream; this service only needs a
// stable member identifier.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		memberID := strings.TrimSpace(r.Header.Get("X-Member-ID"))
		if memberID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !isValidUUID(memberID) {
			writeError(w, http.StatusUnauthorized, "invalid member identity")
			return
		}
		ctx := context.WithValue(r.Context(), memberContextKey{}, memberID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func memberFromContext(ctx context.Context) (string, bool) {
	value := ctx.Value(memberContextKey{})
	if value == nil {
		return "", false
	}
	memberID, ok := value.(string)
	if !ok || memberID == "" {
		return "", false
	}
	return memberID, true
}

func requireMember(w http.ResponseWriter, r *http.Request) (string, bool) {
	memberID, ok := memberFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing member identity")
		return "", false
	}
	return memberID, true
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
