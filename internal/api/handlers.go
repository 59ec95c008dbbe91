package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/optstream/optstream/internal/jobs"
	"github.com/optstream/optstream/internal/metrics"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/publish"
	"github.com/optstream/optstream/internal/store"
	"github.com/optstream/optstream/internal/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Engine is the read side of the streaming pipeline.
type Engine interface {
	DefaultExpiration() string
	ReferencePrice() (float64, bool)
	SubscribedCodes() []string
	MarketInfo() (json.RawMessage, bool)
	LastPriceUpdate() (jobs.PriceUpdate, bool)
	ExpirationData(price float64) jobs.ExpirationData
}

// FeedStatus is the part of a provider feed readiness looks at.
type FeedStatus interface {
	Name() string
	Health() provider.Health
}

type Handler struct {
	engine     Engine
	feed       FeedStatus
	wsHub      *ws.Hub
	sseHandler *ws.SSEHandler
	cache      *store.Cache
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics

	// reads coalesces concurrent cache reads of the same event.
	reads singleflight.Group
}

func NewHandler(
	engine Engine,
	feed FeedStatus,
	wsHub *ws.Hub,
	sseHandler *ws.SSEHandler,
	cache *store.Cache,
	logger *zap.SugaredLogger,
	metrics *metrics.Metrics,
) *Handler {
	return &Handler{
		engine:     engine,
		feed:       feed,
		wsHub:      wsHub,
		sseHandler: sseHandler,
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz checks the provider connection and the cache.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessDTO{
		Status:   "ready",
		Provider: h.feed.Name(),
		Feed:     h.feed.Health(),
		Cache:    "ok",
	}
	if !resp.Feed.Healthy {
		resp.Reasons = append(resp.Reasons, "provider disconnected")
	}
	if err := h.cache.Ping(ctx); err != nil {
		resp.Cache = err.Error()
		resp.Reasons = append(resp.Reasons, "cache unreachable")
	}

	status := http.StatusOK
	if len(resp.Reasons) > 0 {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// GetChain returns the merged session chain rows.
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	h.serveLatest(w, r, publish.EventDailySnap, nil)
}

// GetExpirations returns the expiration metadata. Before the first publish it
// is computed from the current reference price.
func (h *Handler) GetExpirations(w http.ResponseWriter, r *http.Request) {
	h.serveLatest(w, r, publish.EventExpirationData, func() (any, bool) {
		price, ok := h.engine.ReferencePrice()
		if !ok {
			return nil, false
		}
		return h.engine.ExpirationData(price), true
	})
}

// GetMarket returns the marketInfo payload. On a cache miss the engine's
// current state is served in the same shape.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	h.serveLatest(w, r, publish.EventMarketInfo, func() (any, bool) {
		return h.engine.MarketInfo()
	})
}

// GetPrice returns the last priceUpdate, falling back to the one the engine
// last announced.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	h.serveLatest(w, r, publish.EventPriceUpdate, func() (any, bool) {
		return h.engine.LastPriceUpdate()
	})
}

// GetSubscriptions lists the option codes the window currently holds.
func (h *Handler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	codes := h.engine.SubscribedCodes()
	if codes == nil {
		codes = []string{}
	}
	resp := SubscriptionsDTO{
		DefaultExpiration: h.engine.DefaultExpiration(),
		Count:             len(codes),
		Codes:             codes,
		Clients:           h.wsHub.ClientCount(),
	}
	if price, ok := h.engine.ReferencePrice(); ok {
		resp.ReferencePrice = &price
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// serveLatest writes the cached payload of event as-is. On a cache miss the
// fallback, if any, builds the body instead.
func (h *Handler) serveLatest(w http.ResponseWriter, r *http.Request, event string, fallback func() (any, bool)) {
	v, err, _ := h.reads.Do(event, func() (interface{}, error) {
		// shared by every waiter, so not bound to one request
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return h.cache.Latest(ctx, event)
	})
	raw, _ := v.(json.RawMessage)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, raw)
		return
	case !errors.Is(err, store.ErrCacheMiss):
		h.logger.Warnw("Failed to read latest event", "event", event, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}

	if fallback != nil {
		if body, ok := fallback(); ok {
			h.writeJSON(w, http.StatusOK, body)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "NOT_AVAILABLE", event+" has not been published yet")
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sseHandler.HandleSSE(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warnw("Failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Debugw("API error", "code", code, "message", message, "status", status)

	h.writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
