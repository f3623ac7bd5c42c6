package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/collabdraw/internal/metrics"
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
	ActiveBridges    int     `json:"active_bridges"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Connections reports realtime connection counters.
type Connections interface {
	ActiveConnections() int
	TotalConnections() int64
	TotalMessages() int64
}

// Pinger checks the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Bridges reports how many page subscriptions are open.
type Bridges interface {
	ActiveBridges() int
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime   time.Time
	conns       Connections
	store       Pinger
	bridges     Bridges          // optional
	metrics     *metrics.Metrics // optional, nil if metrics disabled
	version     string
	detailed    bool
	pingTimeout time.Duration
}

// NewHandler creates a new health check handler.
func NewHandler(conns Connections, store Pinger, version string, detailed bool) *Handler {
	return &Handler{
		startTime:   time.Now(),
		conns:       conns,
		store:       store,
		version:     version,
		detailed:    detailed,
		pingTimeout: 2 * time.Second,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// SetBridges adds the bridge count to detailed responses.
func (h *Handler) SetBridges(b Bridges) {
	h.bridges = b
}

// ServeHTTP handles health check requests. The health listener is bound
// separately from the realtime listener so local tooling can poll it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore(r.Context())

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
		ActiveConnections: h.conns.ActiveConnections(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.conns.TotalConnections(),
			TotalMessages:    h.conns.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
		if h.bridges != nil {
			resp.Details.ActiveBridges = h.bridges.ActiveBridges()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkStore(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Debug("store unreachable", "error", err)
		return false
	}
	return true
}
