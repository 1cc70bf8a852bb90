package api

import (
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apperrors "qms-assistant/internal/common/errors"
)

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"bytes":     ww.BytesWritten(),
			"duration":  time.Since(start).String(),
			"requestId": chimiddleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request failed", fields)
			return
		}
		s.logger.Debug("request served", fields)
	})
}

// requireAdmin checks the bearer token with the introspector and requires
// the configured admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.guard == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, apperrors.NewAuthenticationError("missing bearer token"))
			return
		}

		info, err := s.guard.Introspect(r.Context(), strings.TrimSpace(token))
		if err != nil {
			s.logger.Warn("token introspection failed", map[string]interface{}{"error": err.Error()})
			writeError(w, apperrors.NewAuthenticationError("token could not be verified"))
			return
		}
		if !info.Active {
			writeError(w, apperrors.NewAuthenticationError("token is not active"))
			return
		}
		if s.cfg.AdminRole != "" && !info.HasRole(s.cfg.AdminRole) {
			writeJSON(w, http.StatusForbidden, errorResponse{
				Error: apperrors.NewAuthenticationError("missing role " + s.cfg.AdminRole),
			})
			return
		}

		s.logger.Info("admin request", map[string]interface{}{
			"user":   info.Username,
			"method": r.Method,
			"path":   r.URL.Path,
		})
		next.ServeHTTP(w, r)
	})
}
