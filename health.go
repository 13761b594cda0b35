package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withobsrvr/duckdb-sync-consumer/consumer"
	"github.com/withobsrvr/duckdb-sync-consumer/logging"
)

// HealthServer manages the HTTP health and metrics endpoints.
type HealthServer struct {
	consumer  *consumer.Consumer
	service   string
	port      string
	startTime time.Time
	logger    *logging.ComponentLogger
}

// NewHealthServer creates a new health server.
func NewHealthServer(c *consumer.Consumer, service, port string, logger *logging.ComponentLogger) *HealthServer {
	return &HealthServer{
		consumer:  c,
		service:   service,
		port:      port,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Start starts the health and metrics HTTP server.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/live", h.handleLive)
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + h.port
	h.logger.Info().Str("addr", addr).Msg("health server listening")

	return http.ListenAndServe(addr, mux)
}

// handleHealth returns per-stream record counts and uptime.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.consumer.Counts().Snapshot()
	streams := make(map[string]int64, len(snapshot))
	var total int64
	for id, n := range snapshot {
		streams[id.String()] = n
		total += n
	}

	health := map[string]interface{}{
		"status":         "healthy",
		"service":        h.service,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"records_total":  total,
		"streams":        streams,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleReady returns readiness status (for k8s)
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ready")
}

// handleLive returns liveness status (for k8s)
func (h *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live")
}
