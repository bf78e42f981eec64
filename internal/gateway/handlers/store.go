package handlers

import (
	"context"

	"github.com/modelmesh/api-gateway/internal/shared/models"
)

// Store is the lookup-and-record contract the gateway consumes. All lookups
// are idempotent reads from the gateway's perspective; LogRequest and
// TouchAPIKey are the only writes, both best-effort. Lookups return nil, nil
// when the record does not exist.
type Store interface {
	GetAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error)
	GetEndpoint(ctx context.Context, modelSlug, endpointSlug string) (*models.Endpoint, error)
	GetSubscription(ctx context.Context, userID, modelID string) (*models.Subscription, error)
	GetUserBalance(ctx context.Context, userID string) (float64, error)
	GetUpstreamAuth(ctx context.Context, modelID string) (map[string]string, error)
	LogRequest(ctx context.Context, entry *models.UsageLog) error
	TouchAPIKey(ctx context.Context, keyID string) error
}
