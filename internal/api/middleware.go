package api

import (
	"net/http"

	"github.com/strandhub/strand/internal/auth"
	"github.com/strandhub/strand/internal/store"
)

// BasicAuthMiddleware guards the admin surface with credentials from the
// authentication table.
func BasicAuthMiddleware(s *store.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier, password, ok := r.BasicAuth()
		if !ok || auth.Verify(s, identifier, password) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="hub admin"`)
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
