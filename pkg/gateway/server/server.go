// Package server assembles the gateway's routes and middleware into one
// http.Server.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/voicebridge/voicebridge/pkg/engine"
	"github.com/voicebridge/voicebridge/pkg/gateway/config"
	"github.com/voicebridge/voicebridge/pkg/gateway/handlers"
	"github.com/voicebridge/voicebridge/pkg/gateway/mw"
	"github.com/voicebridge/voicebridge/pkg/metrics"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	http   *http.Server
}

func New(cfg config.Config, eng *engine.Engine, mets *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes(handlers.New(cfg, eng, mets, logger), mets)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes(h *handlers.Handlers, mets *metrics.Metrics) {
	s.mux.HandleFunc("GET /healthz", h.Healthz)
	s.mux.HandleFunc("GET /readyz", h.Readyz)
	if mets != nil {
		s.mux.Handle("GET /metrics", mets.Handler())
	}

	// Carrier surfaces, authenticated by signature rather than bearer keys.
	s.mux.HandleFunc("POST /webhooks/twilio", h.TwilioWebhook)
	s.mux.HandleFunc("POST /webhooks/telnyx", h.TelnyxWebhook)
	s.mux.HandleFunc("GET /media/twilio", h.TwilioMedia)
	s.mux.HandleFunc("GET /media/telnyx", h.TelnyxMedia)

	// Session API, guarded by static keys when configured.
	api := http.NewServeMux()
	api.HandleFunc("GET /v1/sessions", h.ListSessions)
	api.HandleFunc("GET /v1/sessions/{id}", h.GetSession)
	api.HandleFunc("DELETE /v1/sessions/{id}", h.EndSession)
	api.HandleFunc("GET /v1/providers/health", h.ProviderHealth)
	s.mux.Handle("/v1/", mw.Auth(s.cfg.APIKeys, api))
}

// Handler is the full middleware chain around the mux.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
