package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/makt28/vigil/internal/config"
)

// TokenAuth guards the ops API with a bearer token checked against the
// configured bcrypt hash. With no hash configured the API is disabled.
func TokenAuth(cfgMgr *config.Manager, limiter *AuthRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := cfgMgr.Get()
			if cfg.Auth.APITokenHash == "" {
				writeError(w, http.StatusServiceUnavailable, "api disabled: no token configured")
				return
			}

			ip := clientIP(r)
			if limiter.IsLocked(ip) {
				writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
				return
			}

			if !tokenMatches(cfg.Auth, bearerToken(r)) {
				limiter.RecordFailure(ip)
				slog.Warn("api auth failed", "ip", ip, "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Bearer realm="hub"`)
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}

			limiter.ClearIP(ip)
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request at debug level.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
