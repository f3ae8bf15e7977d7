package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mmagent/internal/config"
	"mmagent/internal/tradingapi"
)

// Server runs the read-only operational HTTP server: JSON snapshot,
// WebSocket event stream, and the Prometheus /metrics endpoint.
// Mutation of agent state happens exclusively through the command
// surface; this server never accepts a write.
type Server struct {
	cfg      config.DashboardConfig
	provider SnapshotProvider
	pair     tradingapi.Pair
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server.
func NewServer(
	cfg config.DashboardConfig,
	provider SnapshotProvider,
	pair tradingapi.Pair,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, pair, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		pair:     pair,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Hub exposes the WebSocket broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// snapshotPushInterval is how often the running server refreshes the
// dashboard snapshot and pushes it to every connected WebSocket client,
// so a client never needs to poll /api/snapshot to stay current.
const snapshotPushInterval = 2 * time.Second

// Start starts the API server and its WebSocket hub. Blocks until Stop
// shuts the HTTP server down.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.pushLoop()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// pushLoop periodically rebuilds the snapshot and broadcasts it for the
// life of the process. Stop shuts the HTTP server down but does not end
// this loop.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(snapshotPushInterval)
	defer ticker.Stop()
	for range ticker.C {
		snap, err := BuildSnapshot(s.provider, s.pair)
		if err != nil {
			s.logger.Warn("dashboard: snapshot refresh failed", "error", err)
			continue
		}
		s.hub.BroadcastSnapshot(snap)
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
