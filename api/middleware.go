package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AuthMiddleware enforces the bearer token when one is configured. Failures
// are counted per client address, and an address that keeps failing is
// locked out with exponential backoff before its token is even compared.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := a.extractClientIP(r)
		if blocked, retryAfter := a.limiter.check(ip); blocked {
			a.audit.logFailure(AuditAuthRateLimited, r, "too many failed attempts")
			writeRateLimited(w, retryAfter)
			return
		}

		presented, ok := bearerToken(r)
		if !ok {
			a.limiter.recordFailure(ip)
			a.audit.logFailure(AuditAuthFailure, r, "missing bearer token")
			w.Header().Set("WWW-Authenticate", `Bearer realm="vpnpki"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		match, err := a.tokenMatches(presented)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token unavailable")
			return
		}
		if !match {
			a.limiter.recordFailure(ip)
			a.audit.logFailure(AuditAuthFailure, r, "invalid bearer token")
			w.Header().Set("WWW-Authenticate", `Bearer realm="vpnpki", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		a.limiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func (a *API) tokenMatches(presented string) (bool, error) {
	buf, err := a.token.Open()
	if err != nil {
		return false, err
	}
	defer buf.Destroy()
	return subtle.ConstantTimeCompare(buf.Bytes(), []byte(presented)) == 1, nil
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequestLogger logs one line per request once the response is written.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			level := slog.LevelInfo
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
