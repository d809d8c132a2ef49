package server

import (
	"net/http"
	"strings"

	"github.com/markb/livesync/internal/feed"
)

// serviceRoleMiddleware admits only requests carrying a service-role key in
// the apikey header or as a bearer token.
func (s *Server) serviceRoleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		if key == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.writeError(w, http.StatusUnauthorized, "no_authorization", "apikey or Authorization header required")
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				s.writeError(w, http.StatusUnauthorized, "invalid_authorization", "Invalid authorization header format")
				return
			}
			key = parts[1]
		}

		role, ok := s.feed.Authorize(key)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid_key", "Invalid API key")
			return
		}
		if role != feed.RoleService {
			s.writeError(w, http.StatusForbidden, "forbidden", "service role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
