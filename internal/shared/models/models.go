package models

import "time"

// API key status values as stored in the api_keys table.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
	KeyStatusExpired = "expired"
)

// Subscription status values. Only active and trial authorize consumption.
const (
	SubStatusActive    = "active"
	SubStatusPaused    = "paused"
	SubStatusCancelled = "cancelled"
	SubStatusExpired   = "expired"
	SubStatusTrial     = "trial"
)

// KeyPermissions restricts what an API key may access. Empty slices mean
// unrestricted.
type KeyPermissions struct {
	Models      []string `json:"models,omitempty"`
	Endpoints   []string `json:"endpoints,omitempty"`
	IPWhitelist []string `json:"ipWhitelist,omitempty"`
}

// KeyRateLimits overrides the configured default ceilings for one key.
type KeyRateLimits struct {
	RequestsPerMinute int `json:"requestsPerMinute,omitempty"`
	RequestsPerDay    int `json:"requestsPerDay,omitempty"`
}

// APIKey is the principal record resolved from a caller credential.
type APIKey struct {
	ID          string
	UserID      string
	KeyHash     string
	KeyPrefix   string
	LastChars   string
	Name        string
	Status      string
	Permissions *KeyPermissions
	RateLimits  *KeyRateLimits
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Endpoint is one upstream-callable capability belonging to a model.
type Endpoint struct {
	ID              string
	ModelID         string
	Slug            string
	Method          string
	Path            string
	BaseURL         string
	PricePerRequest float64
	PricePerToken   float64
	IsActive        bool
}

// SubscriptionLimits caps usage within one billing period.
type SubscriptionLimits struct {
	RequestsPerMonth   int `json:"requestsPerMonth,omitempty"`
	TokensPerMonth     int `json:"tokensPerMonth,omitempty"`
	ConcurrentRequests int `json:"concurrentRequests,omitempty"`
}

// Subscription is a user's entitlement to a model. Usage counters are reset
// per period by the billing process; the gateway only reads them.
type Subscription struct {
	ID                 string
	UserID             string
	ModelID            string
	PlanID             *string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	UsedRequests       int
	UsedTokens         int
	Limits             *SubscriptionLimits
}

// Consumable reports whether the subscription status authorizes requests.
func (s *Subscription) Consumable() bool {
	return s.Status == SubStatusActive || s.Status == SubStatusTrial
}

// UsageLog is the immutable record of one completed gateway request.
type UsageLog struct {
	ID             string
	APIKeyID       string
	UserID         string
	ModelID        string
	EndpointID     string
	SubscriptionID *string
	RequestID      string
	Method         string
	Path           string
	StatusCode     int
	ResponseTimeMs int
	TokensUsed     *int
	Cost           *float64
	IPAddress      string
	UserAgent      string
	ErrorCode      *string
	ErrorMessage   *string
	CreatedAt      time.Time
}
