package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"lightfriend/internal/errors"
	"lightfriend/internal/tracing"

	"github.com/gorilla/mux"
)

// BearerAuth rejects requests whose Authorization header does not carry token.
// An empty token disables the check. Paths in open are always let through.
func BearerAuth(token string, open ...string) mux.MiddlewareFunc {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				err := errors.NewAuthError("missing or invalid bearer token")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(errors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
