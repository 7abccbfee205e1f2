// Package api is the HTTP and WebSocket surface: REST endpoints for
// conversations and a WebSocket endpoint that registers presence and
// carries real-time pushes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tetherchat/tether/internal/config"
	"github.com/tetherchat/tether/internal/delivery"
	"github.com/tetherchat/tether/internal/metrics"
	"github.com/tetherchat/tether/internal/presence"
	"github.com/tetherchat/tether/internal/security"
	"github.com/tetherchat/tether/internal/store"
	"github.com/tetherchat/tether/internal/unseen"
)

// Handler serves the REST and WebSocket API.
type Handler struct {
	Stats       *Stats
	Registry    *presence.Registry
	Store       store.Store
	Broadcaster *delivery.Broadcaster
	Aggregator  *unseen.Aggregator
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // cancelled on server shutdown

	mux       *http.ServeMux
	startTime time.Time

	// drainCtx is cancelled when the server begins draining connections.
	// Active WebSocket connections watch this to send close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects cfg during hot-reload
	mu  sync.RWMutex
	cfg *config.Config
}

// NewHandler wires the API handler and its routes.
func NewHandler(cfg *config.Config, st store.Store, reg *presence.Registry, bc *delivery.Broadcaster, agg *unseen.Aggregator, rl *security.RateLimiter, m *metrics.Metrics, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	h := &Handler{
		Stats:       NewStats(),
		Registry:    reg,
		Store:       st,
		Broadcaster: bc,
		Aggregator:  agg,
		RateLimiter: rl,
		Metrics:     m,
		ShutdownCtx: shutdownCtx,
		startTime:   time.Now(),
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		cfg:         cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /conversations/summary", h.handleSummary)
	mux.HandleFunc("GET /conversations/{partnerId}/messages", h.handleConversation)
	mux.HandleFunc("POST /conversations/{partnerId}/messages", h.handleSendMessage)
	mux.HandleFunc("PUT /messages/{id}/seen", h.handleMarkSeen)
	mux.HandleFunc("GET /ws", h.handleWebSocket)
	h.mux = mux

	return h
}

// StartDrain signals all active WebSocket connections to close gracefully.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()
	clientIP := security.ExtractClientIP(r.RemoteAddr)

	// 1. Optional API token check
	if cfg.Security.APIToken != "" {
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !security.TokenMatch(token, cfg.Security.APIToken) {
			slog.Warn("rejected invalid api token", "client_ip", clientIP, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	// 2. Rate limit check
	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	h.mux.ServeHTTP(w, r)
}
