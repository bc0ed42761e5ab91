package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health is a point-in-time summary of a running node
type Health struct {
	NodeID           string    `json:"node_id"`
	Ready            bool      `json:"ready"`
	Connections      int       `json:"connections"`
	Peers            int       `json:"peers"`
	PendingProposals int       `json:"pending_proposals"`
	Circuits         int       `json:"circuits"`
	Timestamp        time.Time `json:"timestamp"`
}

// HealthSource reports current node health
type HealthSource interface {
	Health() Health
}

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	source   HealthSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers
func NewHealthEndpoint(source HealthSource, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{source: source, gatherer: gatherer, logger: logger}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := he.source.Health()
	statusCode := http.StatusOK
	if !health.Ready {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.source.Health().Ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// StartServer serves metrics and health endpoints on addr in the background
func StartServer(addr string, source HealthSource, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	NewHealthEndpoint(source, gatherer, logger).RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
