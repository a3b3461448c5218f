// Package middleware provides the HTTP middlewares of the application.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
	"github.com/mohamedwys/rate-limiter/internal/core/ports"
)

// Options configure one rate-limiting middleware instance. Routes with
// different budgets mount different instances.
type Options struct {
	Identifier IdentifierOptions
	Limits     []domain.Limit
}

// NewRateLimiterMiddleware guards the wrapped handler with limiter. Allowed
// requests continue with quota headers attached; denied requests are answered
// with 429 and the decision's retry metadata. Limiter errors fail open, so a
// storage outage degrades to unmetered traffic instead of an outage of the
// API itself.
func NewRateLimiterMiddleware(limiter ports.RateLimiter, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || len(opts.Limits) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			identifier := ResolveIdentifier(r, opts.Identifier)

			decision, err := limiter.Allow(r.Context(), identifier, opts.Limits...)
			if err != nil {
				slog.Error("rate limiter failed", "identifier", identifier, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				writeTooManyRequests(w, decision)
				return
			}

			setRateLimitHeaders(w, decision)
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, decision domain.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

type tooManyRequestsBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	ResetAt    string `json:"resetAt"`
}

func writeTooManyRequests(w http.ResponseWriter, decision domain.Decision) {
	retryAfter := decision.RetryAfterSeconds()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(tooManyRequestsBody{
		Error:      "Rate limit exceeded",
		Message:    decision.Message,
		RetryAfter: retryAfter,
		ResetAt:    decision.ResetAt.UTC().Format(time.RFC3339),
	})
}
