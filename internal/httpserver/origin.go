package httpserver

import (
	"net/http"
	"strings"

	"github.com/meshcall/relay/internal/origin"
)

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			next(w, r)
			return
		}

		normalized, ok := origin.Normalize(header)
		if !ok || !origin.Allowed(normalized, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// CORS headers only matter when the browser sends an Origin header;
		// emitting them lets the client page run on a separate origin during
		// development.
		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Add("Vary", "Origin")

		next(w, r)
	}
}
