package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/modelmesh/api-gateway/internal/gateway/auth"
	"github.com/modelmesh/api-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// recordTimeout bounds the background usage write so a slow sink cannot pin
// goroutines indefinitely.
const recordTimeout = 10 * time.Second

// UsageRecorder sits at pipeline entry: it creates the request scope, sets
// X-Request-ID, and after the response is finalized emits a usage log entry
// in the background. Sink failures are logged and swallowed; the response
// already sent is never affected.
func (m *Middleware) UsageRecorder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := NewScope()
		ctx := WithScope(r.Context(), scope)
		w.Header().Set("X-Request-ID", scope.RequestID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		duration := time.Since(scope.Start)
		m.logger.Info("request completed",
			zap.String("request_id", scope.RequestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", duration),
		)

		// Requests rejected before authentication carry no principal and
		// produce no usage record.
		if scope.APIKey == nil {
			return
		}

		entry := &models.UsageLog{
			ID:             uuid.NewString(),
			APIKeyID:       scope.APIKey.ID,
			UserID:         scope.UserID,
			RequestID:      scope.RequestID,
			Method:         r.Method,
			Path:           r.URL.Path,
			StatusCode:     sw.status,
			ResponseTimeMs: int(duration.Milliseconds()),
			TokensUsed:     scope.TokensUsed,
			Cost:           scope.Cost,
			IPAddress:      auth.ClientIP(r),
			UserAgent:      r.UserAgent(),
			ErrorCode:      scope.ErrorCode,
			ErrorMessage:   scope.ErrorMessage,
		}
		if scope.Endpoint != nil {
			entry.ModelID = scope.Endpoint.ModelID
			entry.EndpointID = scope.Endpoint.ID
		}
		if scope.Subscription != nil {
			id := scope.Subscription.ID
			entry.SubscriptionID = &id
		}

		go m.record(entry)
	})
}

func (m *Middleware) record(entry *models.UsageLog) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := m.store.LogRequest(ctx, entry); err != nil {
		m.logger.Warn("failed to record usage",
			zap.String("request_id", entry.RequestID),
			zap.Error(err),
		)
	}

	if err := m.store.TouchAPIKey(ctx, entry.APIKeyID); err != nil {
		m.logger.Debug("failed to update key last-used",
			zap.String("api_key_id", entry.APIKeyID),
			zap.Error(err),
		)
	}
}

// Timing independently measures pipeline wall-clock time and sets
// X-Response-Time just before the first byte of the response.
func (m *Middleware) Timing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timingWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(tw, r)
	})
}

// statusWriter captures the final status code for the usage record.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// timingWriter stamps X-Response-Time on the first header write.
type timingWriter struct {
	http.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timingWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *timingWriter) stamp() {
	if w.stamped {
		return
	}
	w.stamped = true
	ms := time.Since(w.start).Milliseconds()
	w.Header().Set("X-Response-Time", strconv.FormatInt(ms, 10)+"ms")
}

func (w *timingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
