// Package server exposes the device sessions over a small REST surface.
package server

import (
	"context"
	"net/http"

	"github.com/aftvgo/aftvserver/internal/session"
)

// Server is the HTTP command server.
type Server struct {
	manager *session.Manager
	metrics *Metrics
	httpSrv *http.Server
}

func New(addr string, manager *session.Manager, metrics *Metrics) *Server {
	s := &Server{manager: manager, metrics: metrics}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /devices/add", s.handleAdd)
	mux.HandleFunc("GET /devices/list", s.handleList)
	mux.HandleFunc("GET /devices/state/{device}", s.handleState)
	mux.HandleFunc("GET /devices/connect/{device}", s.handleConnect)
	mux.HandleFunc("GET /devices/action/{device}/{action}", s.handleAction)
	mux.HandleFunc("GET /devices/{device}/apps/running", s.handleRunningApps)
	mux.HandleFunc("GET /devices/{device}/apps/state/{app}", s.handleAppState)
	mux.HandleFunc("GET /devices/{device}/apps/{app}/start", s.handleAppStart)
	mux.HandleFunc("GET /devices/{device}/apps/{app}/stop", s.handleAppStop)
	mux.HandleFunc("GET /health", HealthHandler)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
