package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nduati/dukapos/backend/internal/logging"
)

// Server hosts the control API and the event hub for the UI shell.
type Server struct {
	httpServer *http.Server
	hub        *Hub
}

// New builds the server with all routes registered.
func New(addr string, handler *Handler, hub *Hub) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handler.Health)
	mux.HandleFunc("/api/sync/status", handler.Status)
	mux.HandleFunc("/api/sync/trigger", handler.Trigger)
	mux.HandleFunc("/api/sync/queue", handler.Queue)
	mux.HandleFunc("/api/sync/audit", handler.Audit)
	mux.HandleFunc("/api/sync/refresh", handler.Refresh)
	mux.HandleFunc("/ws", hub.HandleWebSocket)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute, // trigger and refresh can run long
		},
		hub: hub,
	}
}

// Hub returns the event hub so it can be attached as the orchestrator's sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	logging.Info("api server listening", map[string]interface{}{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains connections and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}
