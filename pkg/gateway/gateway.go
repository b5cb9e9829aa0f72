package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pixperk/distlockd/pkg/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP ops surface: prometheus metrics and a health probe.
// It sits outside the lock data path; losing it never affects the TCP
// service.
type Server struct {
	httpServer *http.Server
	reg        *registry.Registry
}

func NewServer(addr string, reg *registry.Registry) *Server {
	s := &Server{reg: reg}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.reg.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status    string `json:"status"`
		HeldLocks int    `json:"held_locks"`
		Grants    uint64 `json:"grants_total"`
		Expired   uint64 `json:"expired_total"`
	}{
		Status:    "ok",
		HeldLocks: stats.Held,
		Grants:    stats.Grants,
		Expired:   stats.Expired,
	})
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
