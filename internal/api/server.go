// Package api exposes the operational HTTP surface: health, device registry
// queries, subscription introspection, and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/database"
	"github.com/dkess/unified-ingestor/internal/metrics"
	"github.com/dkess/unified-ingestor/internal/mqtthub"
	"github.com/dkess/unified-ingestor/internal/registry"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, db *database.DB, hub *mqtthub.Hub, reg *registry.Registry,
	loader *config.Loader, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics — no auth
	health := NewHealthHandler(db, hub, loader, version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	devices := NewDeviceHandler(reg)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Get("/api/v1/devices", devices.List)
		r.Get("/api/v1/devices/stats", devices.Stats)
		r.Put("/api/v1/devices/name", devices.SetName)
		r.Get("/api/v1/subscriptions", func(w http.ResponseWriter, req *http.Request) {
			subs := hub.Subscriptions()
			if subs == nil {
				subs = []mqtthub.SubInfo{}
			}
			WriteJSON(w, http.StatusOK, map[string]any{"subscriptions": subs, "count": len(subs)})
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
