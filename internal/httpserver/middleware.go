package httpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/member-feed/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

func withLogging(logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		m.Requests.WithLabelValues(route, strconv.Itoa(wrapped.status)).Observe(elapsed.Seconds())

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", elapsed,
			"request_id", reqID,
		)
	})
}

// withTimeout bounds the request context so slow store reads cannot pile up.
func (s *Server) withTimeout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.QueryTimeout <= 0 {
			next(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin rate limits callers per remote address and checks the bearer
// token against the configured admin token. With no token configured every
// call is rejected.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := remoteHost(r)
		if !s.limiter.Allow(host) {
			s.logger.Warn("admin rate limited", "remote", host, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "RateLimitExceeded", "too many requests")
			return
		}

		token, ok := bearerToken(r)
		if !ok || s.cfg.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.logger.Warn("admin authentication failed", "remote", host, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "valid admin token required")
			return
		}

		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authType, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(authType, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
