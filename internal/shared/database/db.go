package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/modelmesh/api-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetAPIKey retrieves an API key record by its sha256 hash. Returns nil, nil
// when no key matches.
func (db *DB) GetAPIKey(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, user_id, key_hash, key_prefix, last_chars, name, status,
		       permissions, rate_limits, expires_at, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var (
		key         models.APIKey
		permissions []byte
		rateLimits  []byte
	)
	err := db.conn.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID,
		&key.UserID,
		&key.KeyHash,
		&key.KeyPrefix,
		&key.LastChars,
		&key.Name,
		&key.Status,
		&permissions,
		&rateLimits,
		&key.ExpiresAt,
		&key.LastUsedAt,
		&key.CreatedAt,
		&key.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if len(permissions) > 0 {
		key.Permissions = &models.KeyPermissions{}
		if err := json.Unmarshal(permissions, key.Permissions); err != nil {
			return nil, fmt.Errorf("decode key permissions: %w", err)
		}
	}
	if len(rateLimits) > 0 {
		key.RateLimits = &models.KeyRateLimits{}
		if err := json.Unmarshal(rateLimits, key.RateLimits); err != nil {
			return nil, fmt.Errorf("decode key rate limits: %w", err)
		}
	}

	return &key, nil
}

// TouchAPIKey updates last-used bookkeeping for a key.
func (db *DB) TouchAPIKey(ctx context.Context, keyID string) error {
	query := `
		UPDATE api_keys
		SET last_used_at = NOW(), total_requests = total_requests + 1
		WHERE id = $1
	`
	_, err := db.conn.ExecContext(ctx, query, keyID)
	return err
}

// GetEndpoint resolves an endpoint by model slug and endpoint slug. Returns
// nil, nil when the pair is unknown.
func (db *DB) GetEndpoint(ctx context.Context, modelSlug, endpointSlug string) (*models.Endpoint, error) {
	query := `
		SELECT e.id, e.model_id, e.slug, e.method, e.path, m.base_url,
		       COALESCE(e.price_per_request, 0), COALESCE(e.price_per_token, 0), e.is_active
		FROM model_endpoints e
		JOIN ai_models m ON m.id = e.model_id
		WHERE m.slug = $1 AND e.slug = $2
	`

	var ep models.Endpoint
	err := db.conn.QueryRowContext(ctx, query, modelSlug, endpointSlug).Scan(
		&ep.ID,
		&ep.ModelID,
		&ep.Slug,
		&ep.Method,
		&ep.Path,
		&ep.BaseURL,
		&ep.PricePerRequest,
		&ep.PricePerToken,
		&ep.IsActive,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &ep, nil
}

// GetSubscription returns the user's subscription for a model, or nil, nil
// when the user is not subscribed.
func (db *DB) GetSubscription(ctx context.Context, userID, modelID string) (*models.Subscription, error) {
	query := `
		SELECT id, user_id, model_id, plan_id, status,
		       current_period_start, current_period_end,
		       used_requests, used_tokens, limits
		FROM subscriptions
		WHERE user_id = $1 AND model_id = $2
	`

	var (
		sub    models.Subscription
		limits []byte
	)
	err := db.conn.QueryRowContext(ctx, query, userID, modelID).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ModelID,
		&sub.PlanID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.UsedRequests,
		&sub.UsedTokens,
		&limits,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if len(limits) > 0 {
		sub.Limits = &models.SubscriptionLimits{}
		if err := json.Unmarshal(limits, sub.Limits); err != nil {
			return nil, fmt.Errorf("decode subscription limits: %w", err)
		}
	}

	return &sub, nil
}

// GetUserBalance returns the user's prepaid balance. Stored as text in the
// users table to avoid floating point drift at rest.
func (db *DB) GetUserBalance(ctx context.Context, userID string) (float64, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(balance, '0') FROM users WHERE id = $1`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}

	balance, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed balance for user %s: %w", userID, err)
	}
	return balance, nil
}

// GetUpstreamAuth returns the headers to overlay on requests forwarded to the
// model's upstream. Missing credentials yield an empty map.
func (db *DB) GetUpstreamAuth(ctx context.Context, modelID string) (map[string]string, error) {
	var raw []byte
	err := db.conn.QueryRowContext(ctx, `SELECT headers FROM model_credentials WHERE model_id = $1`, modelID).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	headers := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &headers); err != nil {
			return nil, fmt.Errorf("decode upstream credentials: %w", err)
		}
	}
	return headers, nil
}

// LogRequest persists a usage log entry
func (db *DB) LogRequest(ctx context.Context, entry *models.UsageLog) error {
	query := `
		INSERT INTO api_usage_logs (
			id, api_key_id, user_id, model_id, endpoint_id, subscription_id,
			request_id, method, path, status_code, response_time_ms,
			tokens_used, cost, ip_address, user_agent, error_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		entry.ID,
		nullIfEmpty(entry.APIKeyID),
		entry.UserID,
		nullIfEmpty(entry.ModelID),
		nullIfEmpty(entry.EndpointID),
		entry.SubscriptionID,
		entry.RequestID,
		entry.Method,
		entry.Path,
		entry.StatusCode,
		entry.ResponseTimeMs,
		entry.TokensUsed,
		entry.Cost,
		entry.IPAddress,
		entry.UserAgent,
		entry.ErrorCode,
		entry.ErrorMessage,
	)

	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
