// Package server provides HTTP server construction for fieldsync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fieldsync/fieldsync/internal/auth"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler
	Token      string
	Gatherer   prometheus.Gatherer
	Stats      func() (models.QueueStats, error)
	Logger     *slog.Logger
}

type health struct {
	Status string             `json:"status"`
	Queue  *models.QueueStats `json:"queue,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// The MCP endpoint is protected by the bearer token middleware; metrics
// and health are open so local scrapers and probes need no credentials.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", auth.Middleware(cfg.Token, cfg.Logger)(cfg.MCPHandler))
	}

	if cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/healthz", handleHealth(cfg.Stats, cfg.Logger))

	return mux
}

func handleHealth(stats func() (models.QueueStats, error), logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		resp := health{Status: "ok"}
		code := http.StatusOK

		if stats != nil {
			s, err := stats()
			if err != nil {
				logger.Warn("health check failed", slog.String("error", err.Error()))
				resp = health{Status: "unavailable", Error: err.Error()}
				code = http.StatusServiceUnavailable
			} else {
				resp.Queue = &s
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	}
}
