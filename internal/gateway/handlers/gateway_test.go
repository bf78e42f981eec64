package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelmesh/api-gateway/internal/gateway/auth"
	"github.com/modelmesh/api-gateway/internal/gateway/proxy"
	"github.com/modelmesh/api-gateway/internal/gateway/ratelimit"
	"github.com/modelmesh/api-gateway/internal/shared/config"
	"github.com/modelmesh/api-gateway/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store for tests. Recorded usage entries are also
// published on the logged channel so tests can wait for the async recorder.
type fakeStore struct {
	mu            sync.Mutex
	keys          map[string]*models.APIKey
	endpoints     map[string]*models.Endpoint
	subscriptions map[string]*models.Subscription
	balances      map[string]float64
	upstreamAuth  map[string]map[string]string
	logs          []*models.UsageLog
	logged        chan *models.UsageLog
	logErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:          make(map[string]*models.APIKey),
		endpoints:     make(map[string]*models.Endpoint),
		subscriptions: make(map[string]*models.Subscription),
		balances:      make(map[string]float64),
		upstreamAuth:  make(map[string]map[string]string),
		logged:        make(chan *models.UsageLog, 32),
	}
}

func (s *fakeStore) GetAPIKey(_ context.Context, keyHash string) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[keyHash], nil
}

func (s *fakeStore) GetEndpoint(_ context.Context, modelSlug, endpointSlug string) (*models.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[modelSlug+"/"+endpointSlug], nil
}

func (s *fakeStore) GetSubscription(_ context.Context, userID, modelID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[userID+"/"+modelID], nil
}

func (s *fakeStore) GetUserBalance(_ context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *fakeStore) GetUpstreamAuth(_ context.Context, modelID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.upstreamAuth[modelID]; ok {
		return h, nil
	}
	return map[string]string{}, nil
}

func (s *fakeStore) LogRequest(_ context.Context, entry *models.UsageLog) error {
	s.mu.Lock()
	err := s.logErr
	if err == nil {
		s.logs = append(s.logs, entry)
	}
	s.mu.Unlock()

	select {
	case s.logged <- entry:
	default:
	}
	return err
}

func (s *fakeStore) TouchAPIKey(_ context.Context, _ string) error { return nil }

func (s *fakeStore) addKey(raw string, mutate ...func(*models.APIKey)) *models.APIKey {
	key := &models.APIKey{
		ID:      "key-" + raw,
		UserID:  "user-" + raw,
		KeyHash: auth.HashKey(raw),
		Status:  models.KeyStatusActive,
	}
	for _, fn := range mutate {
		fn(key)
	}
	s.mu.Lock()
	s.keys[key.KeyHash] = key
	s.mu.Unlock()
	return key
}

func (s *fakeStore) addEndpoint(modelSlug, endpointSlug, baseURL string, mutate ...func(*models.Endpoint)) *models.Endpoint {
	ep := &models.Endpoint{
		ID:       "ep-" + modelSlug + "-" + endpointSlug,
		ModelID:  "model-" + modelSlug,
		Slug:     endpointSlug,
		Method:   http.MethodPost,
		Path:     "/" + endpointSlug,
		BaseURL:  baseURL,
		IsActive: true,
	}
	for _, fn := range mutate {
		fn(ep)
	}
	s.mu.Lock()
	s.endpoints[modelSlug+"/"+endpointSlug] = ep
	s.mu.Unlock()
	return ep
}

func (s *fakeStore) addSubscription(userID, modelID string, mutate ...func(*models.Subscription)) *models.Subscription {
	sub := &models.Subscription{
		ID:      "sub-" + userID,
		UserID:  userID,
		ModelID: modelID,
		Status:  models.SubStatusActive,
	}
	for _, fn := range mutate {
		fn(sub)
	}
	s.mu.Lock()
	s.subscriptions[userID+"/"+modelID] = sub
	s.mu.Unlock()
	return sub
}

func (s *fakeStore) waitForLog(t *testing.T) *models.UsageLog {
	t.Helper()
	select {
	case entry := <-s.logged:
		return entry
	case <-time.After(2 * time.Second):
		t.Fatal("no usage log entry recorded")
		return nil
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "test",
		DefaultTimeout:     2 * time.Second,
		MaxBodySize:        1 << 20,
		RateLimitEnabled:   true,
		RequestsPerMinute:  60,
		RequestsPerDay:     10000,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
	}
}

// newGateway wires the full middleware pipeline the way cmd/gateway does.
func newGateway(store Store, limiter ratelimit.Store, cfg *config.Config) http.Handler {
	logger := zap.NewNop()
	m := NewMiddleware(store, limiter, cfg, logger)
	ph := NewProxyHandler(store, proxy.NewClient(cfg.DefaultTimeout), cfg, logger)

	r := chi.NewRouter()
	r.Use(m.UsageRecorder)
	r.Use(m.Timing)
	r.Use(m.CORS)
	r.Use(m.Recoverer)
	r.NotFound(NotFound)
	r.MethodNotAllowed(MethodNotAllowed)
	r.Get("/health", Health)
	r.Route("/v1", func(r chi.Router) {
		r.Use(m.Auth)
		if cfg.RateLimitEnabled {
			r.Use(m.RateLimit)
		}
		r.HandleFunc("/{model}/{endpoint}", ph.Handle)
		r.HandleFunc("/{model}/{endpoint}/*", ph.Handle)
	})
	return r
}

func decodeError(t *testing.T, body io.Reader) (string, int) {
	t.Helper()
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&payload))
	return payload.Error.Message, payload.Error.Code
}

func TestHealth(t *testing.T) {
	gw := newGateway(newFakeStore(), ratelimit.NewMemoryStore(), testConfig())

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))
}

func TestUnmatchedRouteShape(t *testing.T) {
	gw := newGateway(newFakeStore(), ratelimit.NewMemoryStore(), testConfig())

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	msg, code := decodeError(t, rec.Body)
	assert.Equal(t, "Not found", msg)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestProxyHappyPathWithSubscription(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		assert.Equal(t, "Bearer upstream-secret", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"text":"hello","usage":{"total_tokens":42}}`))
	}))
	defer upstream.Close()

	store := newFakeStore()
	key := store.addKey("happy")
	ep := store.addEndpoint("gpt", "generate", upstream.URL, func(e *models.Endpoint) {
		e.PricePerRequest = 0.01
		e.PricePerToken = 0.0001
	})
	store.addSubscription(key.UserID, ep.ModelID, func(s *models.Subscription) {
		s.UsedRequests = 5
		s.Limits = &models.SubscriptionLimits{RequestsPerMonth: 100}
	})
	store.mu.Lock()
	store.upstreamAuth[ep.ModelID] = map[string]string{"Authorization": "Bearer upstream-secret"}
	store.mu.Unlock()

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer happy")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&upstreamCalls))
	assert.Contains(t, rec.Body.String(), `"hello"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))

	entry := store.waitForLog(t)
	assert.Equal(t, http.StatusCreated, entry.StatusCode)
	assert.Equal(t, key.ID, entry.APIKeyID)
	assert.Equal(t, ep.ID, entry.EndpointID)
	require.NotNil(t, entry.SubscriptionID)
	assert.Equal(t, "sub-"+key.UserID, *entry.SubscriptionID)
	require.NotNil(t, entry.TokensUsed)
	assert.Equal(t, 42, *entry.TokensUsed)
	require.NotNil(t, entry.Cost)
	assert.InDelta(t, 0.01+42*0.0001, *entry.Cost, 1e-9)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), entry.RequestID)
}

func TestEndpointNotFound(t *testing.T) {
	store := newFakeStore()
	store.addKey("k")

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/missing", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	msg, _ := decodeError(t, rec.Body)
	assert.Equal(t, "Endpoint not found: gpt/missing", msg)
}

func TestInactiveEndpointUnavailable(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
	}))
	defer upstream.Close()

	store := newFakeStore()
	store.addKey("k")
	store.addEndpoint("gpt", "generate", upstream.URL, func(e *models.Endpoint) {
		e.IsActive = false
	})

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&upstreamCalls))
}

func TestMonthlyLimitExhausted(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
	}))
	defer upstream.Close()

	store := newFakeStore()
	key := store.addKey("k")
	ep := store.addEndpoint("gpt", "generate", upstream.URL)
	store.addSubscription(key.UserID, ep.ModelID, func(s *models.Subscription) {
		s.UsedRequests = 100
		s.Limits = &models.SubscriptionLimits{RequestsPerMonth: 100}
	})

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	msg, _ := decodeError(t, rec.Body)
	assert.Contains(t, msg, "Monthly request limit exceeded")
	assert.Equal(t, int32(0), atomic.LoadInt32(&upstreamCalls))
}

func TestInsufficientBalance(t *testing.T) {
	store := newFakeStore()
	store.addKey("k")
	store.addEndpoint("gpt", "generate", "http://127.0.0.1:9", func(e *models.Endpoint) {
		e.PricePerRequest = 0.5
	})

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	msg, code := decodeError(t, rec.Body)
	assert.Contains(t, msg, "Insufficient balance")
	assert.Equal(t, http.StatusPaymentRequired, code)
}

func TestFreeEndpointAdmittedWithoutBalance(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	store := newFakeStore()
	store.addKey("k")
	store.addEndpoint("gpt", "generate", upstream.URL) // pricePerRequest 0

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPausedSubscriptionRejected(t *testing.T) {
	store := newFakeStore()
	key := store.addKey("k")
	ep := store.addEndpoint("gpt", "generate", "http://127.0.0.1:9")
	store.addSubscription(key.UserID, ep.ModelID, func(s *models.Subscription) {
		s.Status = models.SubStatusPaused
	})

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	msg, _ := decodeError(t, rec.Body)
	assert.Contains(t, msg, "paused")
}

func TestEndpointPermissionScoping(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	store := newFakeStore()
	store.addKey("k", func(k *models.APIKey) {
		k.Permissions = &models.KeyPermissions{Endpoints: []string{"ep-other"}}
	})
	store.addEndpoint("gpt", "generate", upstream.URL)

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	msg, _ := decodeError(t, rec.Body)
	assert.Contains(t, msg, "does not have permission")

	// A key whose scope lists this endpoint is admitted.
	store.addKey("k2", func(k *models.APIKey) {
		k.Permissions = &models.KeyPermissions{Endpoints: []string{"ep-gpt-generate"}}
	})
	req = httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k2")
	rec = httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpstreamTimeoutStillRecorded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
	}))
	defer upstream.Close()

	store := newFakeStore()
	store.addKey("k")
	store.addEndpoint("gpt", "generate", upstream.URL)

	cfg := testConfig()
	cfg.DefaultTimeout = 100 * time.Millisecond

	gw := newGateway(store, ratelimit.NewMemoryStore(), cfg)

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	msg, code := decodeError(t, rec.Body)
	assert.Equal(t, "Upstream request timed out", msg)
	assert.Equal(t, http.StatusGatewayTimeout, code)

	entry := store.waitForLog(t)
	assert.Equal(t, http.StatusGatewayTimeout, entry.StatusCode)
	assert.GreaterOrEqual(t, entry.ResponseTimeMs, 100)
	require.NotNil(t, entry.ErrorCode)
	assert.Equal(t, "504", *entry.ErrorCode)
}

func TestUpstreamUnreachableBadGateway(t *testing.T) {
	store := newFakeStore()
	store.addKey("k")
	store.addEndpoint("gpt", "generate", "http://127.0.0.1:9")

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	msg, _ := decodeError(t, rec.Body)
	assert.NotEmpty(t, msg)
}

func TestUsageSinkFailureDoesNotAffectResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	store := newFakeStore()
	store.addKey("k")
	store.addEndpoint("gpt", "generate", upstream.URL)
	store.mu.Lock()
	store.logErr = fmt.Errorf("sink down")
	store.mu.Unlock()

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	store.waitForLog(t) // recorder still attempted the write
}

// At one slot below the ceiling, two concurrent requests must resolve to
// exactly one admit and one 429. This exercises the store's atomicity, not
// just the middleware arithmetic.
func TestConcurrentRequestsAtCeiling(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	store := newFakeStore()
	store.addKey("k", func(k *models.APIKey) {
		k.RateLimits = &models.KeyRateLimits{RequestsPerMinute: 3}
	})
	store.addEndpoint("gpt", "generate", upstream.URL)

	gw := newGateway(store, ratelimit.NewMemoryStore(), testConfig())

	do := func() int {
		req := httptest.NewRequest("POST", "/v1/gpt/generate", nil)
		req.Header.Set("Authorization", "Bearer k")
		rec := httptest.NewRecorder()
		gw.ServeHTTP(rec, req)
		return rec.Code
	}

	// Burn down to one remaining slot.
	require.Equal(t, http.StatusOK, do())
	require.Equal(t, http.StatusOK, do())

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- do() }()
	}

	var admitted, limited int
	for i := 0; i < 2; i++ {
		switch <-results {
		case http.StatusOK:
			admitted++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, limited)
}
