package gateway

import (
	"crypto/subtle"
	"net/http"
)

// requireAPIKey wraps a handler with x-api-key authentication. The
// comparison is constant-time so response timing leaks nothing about the
// secret.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		supplied := r.Header.Get("x-api-key")
		if supplied == "" ||
			subtle.ConstantTimeCompare([]byte(supplied), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid api key")
			return
		}
		next(w, r)
	}
}
