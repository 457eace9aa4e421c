package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/cwgate/gateway/internal/apikeys"
)

type contextKey string

const identityContextKey contextKey = "apiKeyIdentity"

// requireAPIKey authenticates /v1/* traffic against the key registry
// (spec.md §6), attaching the resolved Identity to the request context for
// the handler to read.
func requireAPIKey(keys *apikeys.Registry, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := apikeys.ExtractToken(r.Header.Get("Authorization"))
		ident, ok := keys.Authenticate(token)
		if !ok {
			if token == "" {
				writeError(w, http.StatusUnauthorized, "auth-missing", "missing bearer token")
				return
			}
			writeError(w, http.StatusUnauthorized, "auth-invalid", "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, ident)
		next(w, r.WithContext(ctx))
	}
}

func identityFromContext(ctx context.Context) (apikeys.Identity, bool) {
	ident, ok := ctx.Value(identityContextKey).(apikeys.Identity)
	return ident, ok
}

// requireAdminKey gates /admin/* on a single operator secret (ADMIN_KEY).
// spec.md's Non-goals exclude cookie-based admin auth/HTML UI, so a bearer
// token check is the whole of it.
func requireAdminKey(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := apikeys.ExtractToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "auth-invalid", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
