// Package server exposes the call controller and the query controller over
// HTTP, and pushes call snapshots to browsers over a WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"call-insights-go/internal/config"
	"call-insights-go/internal/controller"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/query"
)

type Deps struct {
	Calls *controller.Controller
	// Queries is nil when no Gemini key is configured.
	Queries *query.Controller
	Metrics http.Handler
	Log     *logger.Logger
}

type Server struct {
	cfg        *config.Config
	calls      *controller.Controller
	queries    *query.Controller
	log        *logger.Logger
	upgrader   websocket.Upgrader
	handler    http.Handler
	httpServer *http.Server
}

func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:     cfg,
		calls:   d.Calls,
		queries: d.Queries,
		log:     d.Log,
	}
	if s.log == nil {
		s.log = logger.New()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cfg.OriginAllowed(origin)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/call", s.handleSnapshot)
	mux.HandleFunc("POST /api/call/start", s.handleStart)
	mux.HandleFunc("POST /api/call/stop", s.handleStop)
	mux.HandleFunc("POST /api/call/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/call/reset", s.handleReset)
	mux.HandleFunc("POST /api/call/events", s.handleWebhook)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	s.handler = s.withRequestLogging(s.withCORS(mux))
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests. WebSocket clients are released when the
// call controller closes their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
