package handlers

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/modelmesh/api-gateway/internal/shared/models"
)

type scopeContextKey struct{}

// Scope is the per-request state bag threaded through the pipeline. It is
// created at pipeline entry and filled in by successive stages; the usage
// recorder reads it after the response is finalized. Stages run strictly
// sequentially within one request, so no locking is needed.
type Scope struct {
	RequestID string
	Start     time.Time

	APIKey       *models.APIKey
	UserID       string
	Balance      float64
	Endpoint     *models.Endpoint
	Subscription *models.Subscription

	TokensUsed *int
	Cost       *float64

	ErrorCode    *string
	ErrorMessage *string
}

// NewScope starts a request scope with a fresh request id.
func NewScope() *Scope {
	return &Scope{
		RequestID: newRequestID(),
		Start:     time.Now(),
	}
}

// SetError records the terminal classification for the usage log.
func (s *Scope) SetError(status int, message string) {
	code := strconv.Itoa(status)
	s.ErrorCode = &code
	s.ErrorMessage = &message
}

// WithScope attaches the scope to a context.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, s)
}

// ScopeFrom retrieves the request scope, or nil outside the pipeline.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeContextKey{}).(*Scope)
	return s
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newRequestID produces a correlation id from the current time plus a random
// suffix, e.g. req_lxv2m9k1_4fq8za.
func newRequestID() string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = base36[rand.Intn(len(base36))]
	}
	return "req_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + string(suffix)
}
