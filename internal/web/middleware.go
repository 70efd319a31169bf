package web

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// AuthMiddleware returns an http.Handler enforcing Basic Auth on mutating
// requests. Reads stay open: the API's query surface is meant for dashboards
// and agents on a trusted network, while registry and refresh mutations
// need credentials. passwordHash is a bcrypt hash. Failed attempts are
// rate-limited per client IP.
func AuthMiddleware(username, passwordHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(10, time.Minute)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			if !limiter.Allow(ip) {
				logger.Warn("auth rate limit exceeded", "ip", ip)
				respondError(w, http.StatusTooManyRequests, "too many attempts")
				return
			}

			u, p, ok := extractCredentials(r)
			if !ok {
				writeUnauthorized(w)
				return
			}

			userMatch := subtle.ConstantTimeCompare([]byte(u), []byte(username)) == 1
			passMatch := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)) == nil
			if !userMatch || !passMatch {
				logger.Warn("auth failed", "ip", ip, "user", u)
				writeUnauthorized(w)
				return
			}

			limiter.Reset(ip)
			next.ServeHTTP(w, r)
		})
	}
}

// extractCredentials extracts username and password from the Authorization
// header. Returns ok=false if the header is missing or malformed.
func extractCredentials(r *http.Request) (username, password string, ok bool) {
	authHeader := r.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="quotafleet"`)
	respondError(w, http.StatusUnauthorized, "unauthorized")
}
