package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/facilityhub/meter-sync-agent/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Server serves the operational status surface: health, the status
// document and prometheus metrics.
type Server struct {
	service *Service
	instr   *metrics.Metrics
	logger  *zap.Logger
	http    *http.Server
}

// NewServer creates the status HTTP server and registers its
// lifecycle hooks.
func NewServer(lc fx.Lifecycle, service *Service, instr *metrics.Metrics, port int, logger *zap.Logger) *Server {
	s := &Server{
		service: service,
		instr:   instr,
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("status server listening", zap.String("addr", s.http.Addr))
			go func() {
				if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("status server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.http.Shutdown(ctx)
		},
	})

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/status", s.getStatus)
	r.Handle("/metrics", promhttp.HandlerFor(s.instr.Registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	report := s.service.Report(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Error("failed to encode status report", zap.Error(err))
	}
}
