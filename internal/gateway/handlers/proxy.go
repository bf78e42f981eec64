package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/modelmesh/api-gateway/internal/gateway/proxy"
	"github.com/modelmesh/api-gateway/internal/shared/config"
	"github.com/modelmesh/api-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// ProxyHandler resolves the caller's entitlement for the requested endpoint
// and forwards the request upstream.
type ProxyHandler struct {
	store  Store
	client *proxy.Client
	cfg    *config.Config
	logger *zap.Logger
}

func NewProxyHandler(store Store, client *proxy.Client, cfg *config.Config, logger *zap.Logger) *ProxyHandler {
	return &ProxyHandler{
		store:  store,
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Handle serves ALL /v1/{model}/{endpoint}[/subpath...].
func (h *ProxyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := ScopeFrom(ctx)

	modelSlug := chi.URLParam(r, "model")
	endpointSlug := chi.URLParam(r, "endpoint")
	subPath := chi.URLParam(r, "*")

	endpoint, err := h.store.GetEndpoint(ctx, modelSlug, endpointSlug)
	if err != nil {
		h.logger.Error("endpoint lookup failed", zap.Error(err))
		WriteError(w, r, err)
		return
	}
	if endpoint == nil {
		WriteError(w, r, NewError(http.StatusNotFound,
			fmt.Sprintf("Endpoint not found: %s/%s", modelSlug, endpointSlug)))
		return
	}
	if !endpoint.IsActive {
		WriteError(w, r, NewError(http.StatusServiceUnavailable, "This endpoint is currently unavailable."))
		return
	}
	scope.Endpoint = endpoint

	if err := h.checkEntitlement(r, endpoint); err != nil {
		WriteError(w, r, err)
		return
	}

	upstreamAuth, err := h.store.GetUpstreamAuth(ctx, endpoint.ModelID)
	if err != nil {
		h.logger.Error("upstream credential lookup failed", zap.Error(err))
		WriteError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	body, err := proxy.ReadBody(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, r, NewError(http.StatusRequestEntityTooLarge, "Request body too large."))
			return
		}
		WriteError(w, r, NewError(http.StatusBadRequest, "Malformed request body."))
		return
	}

	resp, err := h.client.Do(ctx, &proxy.Request{
		URL:     proxy.BuildUpstreamURL(endpoint.BaseURL, endpoint.Path, subPath, r.URL.RawQuery),
		Method:  r.Method,
		Header:  proxy.PrepareUpstreamHeaders(r.Header, upstreamAuth),
		Body:    body,
		Timeout: h.cfg.DefaultTimeout,
	})
	if err != nil {
		var perr *proxy.Error
		if errors.As(err, &perr) {
			h.logger.Warn("upstream call failed",
				zap.String("request_id", scope.RequestID),
				zap.Int("status", perr.Status),
				zap.Duration("duration", perr.Duration),
				zap.String("error", perr.Message),
			)
			WriteError(w, r, NewError(perr.Status, perr.Message))
			return
		}
		h.logger.Error("proxy failure", zap.Error(err))
		WriteError(w, r, err)
		return
	}

	h.meter(scope, endpoint, resp)

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.Status)
	if err := resp.Body.Write(w); err != nil {
		h.logger.Debug("failed to relay upstream body",
			zap.String("request_id", scope.RequestID),
			zap.Error(err),
		)
	}
}

// checkEntitlement runs the admission checks: subscription state or prepaid
// balance, then endpoint-level key permissions. Pure reads; usage counters
// are mutated by the external billing process, never here.
func (h *ProxyHandler) checkEntitlement(r *http.Request, endpoint *models.Endpoint) error {
	ctx := r.Context()
	scope := ScopeFrom(ctx)

	subscription, err := h.store.GetSubscription(ctx, scope.UserID, endpoint.ModelID)
	if err != nil {
		h.logger.Error("subscription lookup failed", zap.Error(err))
		return err
	}

	if subscription == nil {
		balance, err := h.store.GetUserBalance(ctx, scope.UserID)
		if err != nil {
			h.logger.Error("balance lookup failed", zap.Error(err))
			return err
		}
		scope.Balance = balance

		if balance <= 0 && endpoint.PricePerRequest > 0 {
			return NewError(http.StatusPaymentRequired,
				"Insufficient balance. Please add funds or subscribe to a plan.")
		}
	} else {
		scope.Subscription = subscription

		if !subscription.Consumable() {
			return NewError(http.StatusForbidden,
				fmt.Sprintf("Subscription is %s. Please renew or update your subscription.", subscription.Status))
		}

		if limits := subscription.Limits; limits != nil && limits.RequestsPerMonth > 0 &&
			subscription.UsedRequests >= limits.RequestsPerMonth {
			return NewError(http.StatusTooManyRequests,
				"Monthly request limit exceeded. Please upgrade your plan.")
		}
	}

	if perms := scope.APIKey.Permissions; perms != nil && len(perms.Endpoints) > 0 {
		if !contains(perms.Endpoints, endpoint.ID) {
			return NewError(http.StatusForbidden,
				"This API key does not have permission to access this endpoint.")
		}
	}

	return nil
}

// meter records the billing-relevant outcome in the scope for the usage
// recorder. The actual charge is a downstream billing concern triggered by
// the usage log.
func (h *ProxyHandler) meter(scope *Scope, endpoint *models.Endpoint, resp *proxy.Response) {
	if resp.TokensUsed > 0 {
		tokens := resp.TokensUsed
		scope.TokensUsed = &tokens
	}

	cost := endpoint.PricePerRequest + float64(resp.TokensUsed)*endpoint.PricePerToken
	if cost > 0 {
		scope.Cost = &cost
	}
}
