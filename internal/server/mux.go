// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Verifier   *auth.Verifier
	MCPHandler http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// State reports the push connection state for /healthz.
	State  func() realtime.State
	Logger *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, health and metrics endpoints.
// Only the MCP endpoint requires a Bearer API key; it is registered when
// both a handler and a verifier are set.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.MCPHandler != nil && cfg.Verifier != nil {
		authMiddleware := auth.Middleware(cfg.Verifier, cfg.Logger)
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	mux.HandleFunc("GET /healthz", handleHealth(cfg.State))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	return mux
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
}

// handleHealth answers 200 while the push connection is up or recovering
// and 503 once it has failed or been closed.
func handleHealth(state func() realtime.State) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK

		if state != nil {
			s := state()
			resp.State = string(s)

			switch s {
			case realtime.StateFailed, realtime.StateDisconnected:
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
