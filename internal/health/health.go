package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/tetherchat/tether/internal/api"
	"github.com/tetherchat/tether/internal/metrics"
	"github.com/tetherchat/tether/internal/store"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	StoreReachable    bool     `json:"store_reachable"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	TotalMessages    int64   `json:"total_messages"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	stats     *api.Stats
	store     store.Store
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(stats *api.Stats, st store.Store, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		stats:     stats,
		store:     st,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests.
// The health listener runs on a loopback address separate from the API
// listener so local monitoring tools (systemd, Prometheus, Nagios) can
// poll it without holding API credentials.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore()

	if h.metrics != nil {
		if storeOK {
			h.metrics.StoreReachable.Set(1)
		} else {
			h.metrics.StoreReachable.Set(0)
		}
	}

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.stats.ConnectionCount(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.stats.TotalConnections(),
			TotalMessages:    h.stats.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkStore() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Debug("store unreachable", "error", err)
		return false
	}
	return true
}
