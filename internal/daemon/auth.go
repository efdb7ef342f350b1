package daemon

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAuth enforces the bearer token on management routes. An empty
// configured token leaves the API open, which is the expected state for a
// loopback-only bind. The webhook route never goes through here; it is
// authenticated by its body signature.
func (s *APIServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Paths.APIToken
		if token == "" {
			next(w, r)
			return
		}
		provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
