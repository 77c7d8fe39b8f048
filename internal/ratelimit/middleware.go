package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/oriys/snapcache/internal/logging"
)

type rejection struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after_seconds"`
}

// RefreshMiddleware throttles requests carrying refresh=true per client IP.
// Plain reads pass through untouched. Backend errors fail open.
func RefreshMiddleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isRefresh(r) {
				next.ServeHTTP(w, r)
				return
			}

			ip := getClientIP(r)
			res, err := limiter.Allow(r.Context(), KeyForRefresh(ip))
			if err != nil {
				logging.For(r.Context()).Warn("refresh limit check failed, allowing", "client", ip, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			wait := max(int(res.ResetAt.Sub(limiter.clock.Now()).Seconds()), 1)
			h.Set("Retry-After", strconv.Itoa(wait))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(rejection{
				Error:      "too many refresh requests; retry later or read without refresh",
				Kind:       "refresh_rate_limited",
				Retryable:  true,
				RetryAfter: wait,
			})
		})
	}
}

func isRefresh(r *http.Request) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return err == nil && b
}

// getClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection's remote address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
