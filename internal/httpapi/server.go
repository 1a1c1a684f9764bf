// Package httpapi exposes the engine's operations over HTTP. Every credit
// ledger operation is independently invocable and returns the full credit
// record or a structured error.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/audit"
	"github.com/lumix/dmrv-engine/internal/ingest"
	"github.com/lumix/dmrv-engine/internal/ledger"
	"github.com/lumix/dmrv-engine/internal/report"
)

// Server wires the HTTP handlers onto a mux router.
type Server struct {
	handlers *Handlers
	logger   *zap.Logger
}

// NewServer creates the HTTP surface over the engine services.
func NewServer(ledger *ledger.Ledger, ingestSvc *ingest.Service, reportSvc *report.Service, trail *audit.Trail, logger *zap.Logger) *Server {
	return &Server{
		handlers: &Handlers{
			ledger:  ledger,
			ingest:  ingestSvc,
			reports: reportSvc,
			trail:   trail,
			logger:  logger,
		},
		logger: logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	h := s.handlers

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/inverters", h.CreateInverter).Methods(http.MethodPost)
	r.HandleFunc("/inverters", h.ListInverters).Methods(http.MethodGet)
	r.HandleFunc("/inverters/{id}", h.GetInverter).Methods(http.MethodGet)
	r.HandleFunc("/inverters/{id}/readings", h.IngestReadings).Methods(http.MethodPost)

	r.HandleFunc("/credits/calculate", h.CalculateCredit).Methods(http.MethodPost)
	r.HandleFunc("/credits/{id}/{date}/verify", h.VerifyCredit).Methods(http.MethodPost)
	r.HandleFunc("/credits/{id}/{date}/status", h.UpdateCreditStatus).Methods(http.MethodPatch)
	r.HandleFunc("/credits/{id}/{date}", h.GetCredit).Methods(http.MethodGet)
	r.HandleFunc("/credits/{id}", h.ListInverterCredits).Methods(http.MethodGet)

	r.HandleFunc("/reports/fleet/summary", h.FleetSummary).Methods(http.MethodGet)
	r.HandleFunc("/reports/inverters/{id}/audit", h.AuditorView).Methods(http.MethodGet)
	r.HandleFunc("/reports/credits", h.CreditsByStatus).Methods(http.MethodGet)

	r.HandleFunc("/audit/verify", h.VerifyChain).Methods(http.MethodGet)

	r.Use(s.loggingMiddleware)
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Start registers the HTTP server with the fx lifecycle.
func Start(lc fx.Lifecycle, server *Server, port int, logger *zap.Logger) {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server", zap.Int("port", port))
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping http server")
			return httpServer.Shutdown(ctx)
		},
	})
}
