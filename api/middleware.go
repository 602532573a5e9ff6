/*
middleware.go - Request logging, rate limiting and session auth

DEGRADATION POLICY:
  The global rate limiter fails OPEN: a cache outage must not take the
  whole API down. The login limiter fails CLOSED: a broken limiter on
  the credential-guessing surface is treated as exhausted.
  Revocation-list outages fail CLOSED as well; a token that cannot be
  checked is not accepted.
*/
package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/brasa/corebank/security"
)

type contextKey string

const claimsKey contextKey = "session-claims"

// SessionFromContext returns the authenticated claims, or nil.
func SessionFromContext(ctx context.Context) *security.SessionClaims {
	claims, _ := ctx.Value(claimsKey).(*security.SessionClaims)
	return claims
}

// requestLogger logs every request and feeds the latency histogram.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(started)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.status),
			zap.Duration("took", elapsed),
			zap.String("ip", clientIP(r)))
		if s.metrics != nil {
			s.metrics.RequestLatency.
				WithLabelValues(r.Method, route, http.StatusText(ww.status)).
				Observe(elapsed.Seconds())
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// globalRateLimit caps request volume per client IP. Fails open.
func (s *Server) globalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.globalLimiter != nil {
			allowed, err := s.globalLimiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				s.log.Warn("global rate limiter unavailable", zap.Error(err))
			} else if !allowed {
				s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", "")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// loginRateLimit guards the credential surface. Fails closed.
func (s *Server) loginRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.loginLimiter != nil {
			allowed, err := s.loginLimiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				s.log.Error("login rate limiter unavailable, refusing", zap.Error(err))
				s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "try again later", "")
				return
			}
			if !allowed {
				s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts", "")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate requires a valid, unrevoked access token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", "")
			return
		}
		claims, err := s.tokens.Verify(raw, security.TokenTypeAccess)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", "")
			return
		}
		if s.revocations != nil {
			revoked, err := s.revocations.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				s.log.Error("revocation list unavailable, refusing", zap.Error(err))
				s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "session check failed", "")
				return
			}
			if revoked {
				s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "session revoked", "")
				return
			}
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
