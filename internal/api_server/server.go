package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forgemirror/forgemirror/internal/config"
	"github.com/forgemirror/forgemirror/internal/recovery"
	"github.com/forgemirror/forgemirror/pkg/log"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

// Server exposes the operational surface of the service: health, the
// recovery status query and prometheus metrics.
type Server struct {
	cfg      *config.Config
	scanner  *recovery.Scanner
	listener net.Listener
}

func New(cfg *config.Config, scanner *recovery.Scanner, listener net.Listener) *Server {
	return &Server{
		cfg:      cfg,
		scanner:  scanner,
		listener: listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router := chi.NewRouter()
	router.Use(
		log.Logger(zap.L(), "api_server"),
		chiMiddleware.Recoverer,
	)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/api/v1/recovery/status", s.handleRecoveryStatus)
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    s.cfg.Service.Address,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		httpServer.SetKeepAlivesEnabled(false)
		_ = httpServer.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("serving on: %s", s.cfg.Service.Address)
	if err := httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.scanner.Status()); err != nil {
		zap.S().Named("api_server").Errorw("failed to write recovery status", "error", err)
	}
}
