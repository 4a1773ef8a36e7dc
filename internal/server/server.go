package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/christopherjohns/boardchat/internal/ws"
)

// Server is the HTTP front of the realtime backend: the WebSocket
// endpoint plus health and metrics.
type Server struct {
	addr string
	mux  *http.ServeMux
	hub  *ws.Hub
	http *http.Server
}

// New creates a Server exposing the given WebSocket handler on /ws.
func New(addr string, handler *ws.Handler, hub *ws.Hub) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
		hub:  hub,
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("/ws", handler)
	s.http = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	return s.http.ListenAndServe()
}

// Shutdown closes every WebSocket connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.ConnMgr().Shutdown()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
