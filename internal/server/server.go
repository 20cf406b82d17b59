package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forgeci/forge/internal/config"
)

type Server struct {
	config *config.AppConfig
	log    *zap.Logger
	http   *http.Server
}

type Params struct {
	fx.In

	Config *config.AppConfig
	Logger *zap.Logger
	Router *mux.Router
}

func NewServer(p Params) *Server {
	addr := fmt.Sprintf("%s:%s", p.Config.Server.Host, p.Config.Server.Port)

	return &Server{
		config: p.Config,
		log:    p.Logger,
		http: &http.Server{
			Addr:         addr,
			Handler:      p.Router,
			ReadTimeout:  p.Config.Server.ReadTimeout,
			WriteTimeout: p.Config.Server.WriteTimeout,
		},
	}
}

func (s *Server) Start() error {
	s.log.Info("starting HTTP server",
		zap.String("address", s.http.Addr),
		zap.Object("config", serverConfigToField(s.config)),
	)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func serverConfigToField(config *config.AppConfig) zapcore.ObjectMarshaler {
	return zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("environment", os.Getenv("APP_ENV"))
		enc.AddDuration("heartbeat_timeout", config.Orchestrator.HeartbeatTimeout)
		enc.AddDuration("sweep_interval", config.Orchestrator.SweepInterval)
		enc.AddInt("max_retries", config.Orchestrator.MaxRetries)
		return nil
	})
}

func (s *Server) Stop() {
	s.log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown failed", zap.Error(err))
	}
}
