package handlers

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelmesh/api-gateway/internal/gateway/auth"
	"github.com/modelmesh/api-gateway/internal/gateway/ratelimit"
	"github.com/modelmesh/api-gateway/internal/shared/config"
	"github.com/modelmesh/api-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// exposedHeaders are the gateway-set headers made readable cross-origin.
var exposedHeaders = []string{
	"X-Request-ID",
	"X-Response-Time",
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
}

type Middleware struct {
	store   Store
	limiter ratelimit.Store
	cfg     *config.Config
	logger  *zap.Logger
}

func NewMiddleware(store Store, limiter ratelimit.Store, cfg *config.Config, logger *zap.Logger) *Middleware {
	return &Middleware{
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Auth validates the caller credential and attaches the principal to the
// request scope. It performs no synchronous writes.
func (m *Middleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeFrom(r.Context())

		rawKey := auth.ExtractKey(r)
		if rawKey == "" {
			WriteError(w, r, NewError(http.StatusUnauthorized,
				"API key is required. Provide it via Authorization header, X-API-Key header, or api_key query parameter."))
			return
		}

		key, err := m.store.GetAPIKey(r.Context(), auth.HashKey(rawKey))
		if err != nil {
			m.logger.Error("api key lookup failed", zap.Error(err))
			WriteError(w, r, err)
			return
		}
		if key == nil {
			WriteError(w, r, NewError(http.StatusUnauthorized, "Invalid API key."))
			return
		}

		if key.Status != models.KeyStatusActive {
			WriteError(w, r, NewError(http.StatusUnauthorized, fmt.Sprintf("API key is %s.", key.Status)))
			return
		}

		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
			WriteError(w, r, NewError(http.StatusUnauthorized, "API key has expired."))
			return
		}

		if key.Permissions != nil && len(key.Permissions.IPWhitelist) > 0 {
			if !contains(key.Permissions.IPWhitelist, auth.ClientIP(r)) {
				WriteError(w, r, NewError(http.StatusForbidden, "IP address not allowed for this API key."))
				return
			}
		}

		scope.APIKey = key
		scope.UserID = key.UserID

		next.ServeHTTP(w, r)
	})
}

// RateLimit enforces the per-minute and per-day ceilings against the window
// store. Store failures fail open: a broken limiter should degrade metering,
// not availability.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeFrom(r.Context())
		if scope == nil || scope.APIKey == nil {
			next.ServeHTTP(w, r)
			return
		}

		perMinute := m.cfg.RequestsPerMinute
		perDay := m.cfg.RequestsPerDay
		if rl := scope.APIKey.RateLimits; rl != nil {
			if rl.RequestsPerMinute > 0 {
				perMinute = rl.RequestsPerMinute
			}
			if rl.RequestsPerDay > 0 {
				perDay = rl.RequestsPerDay
			}
		}

		minute, err := m.limiter.Increment(r.Context(), ratelimit.MinuteKey(scope.APIKey.ID), ratelimit.MinuteWindow)
		if err != nil {
			m.logger.Warn("rate limit store unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if minute.Count > int64(perMinute) {
			m.rejectRateLimited(w, r, perMinute, minute.ResetAt,
				"Rate limit exceeded. Please wait before making more requests.")
			return
		}

		day, err := m.limiter.Increment(r.Context(), ratelimit.DayKey(scope.APIKey.ID), ratelimit.DayWindow)
		if err != nil {
			m.logger.Warn("rate limit store unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if day.Count > int64(perDay) {
			m.rejectRateLimited(w, r, perDay, day.ResetAt,
				"Daily rate limit exceeded. Please try again tomorrow.")
			return
		}

		remaining := int64(perMinute) - minute.Count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", minute.ResetAt.UTC().Format(time.RFC3339))

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) rejectRateLimited(w http.ResponseWriter, r *http.Request, limit int, resetAt time.Time, message string) {
	retryAfter := int(math.Ceil(time.Until(resetAt).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", resetAt.UTC().Format(time.RFC3339))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

	WriteError(w, r, NewError(http.StatusTooManyRequests, message))
}

// CORS applies the configured cross-origin policy and short-circuits
// preflight requests.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	allowAny := contains(m.cfg.CORSAllowedOrigins, "*")
	methods := strings.Join(m.cfg.CORSAllowedMethods, ", ")
	headers := strings.Join(m.cfg.CORSAllowedHeaders, ", ")
	exposed := strings.Join(exposedHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAny:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && contains(m.cfg.CORSAllowedOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", headers)
		w.Header().Set("Access-Control-Expose-Headers", exposed)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Recoverer turns panics into the generic 500 body without leaking internals.
func (m *Middleware) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("panic while handling request",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				WriteError(w, r, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
