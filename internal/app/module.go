package app

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/api"
	"github.com/forgeci/forge/internal/database"
	"github.com/forgeci/forge/internal/migration"
	"github.com/forgeci/forge/internal/orchestrator"
	"github.com/forgeci/forge/internal/server"
)

// Module combines all application modules. Order matters for startup
// hooks: migrations run first, then the queue is restored from the
// store, and only then does the HTTP server begin serving polls.
func Module() fx.Option {
	return fx.Options(
		// Logger
		fx.Provide(newLogger),

		// Configuration
		fx.Provide(server.LoadConfig),

		// Database and migrations
		database.Module(),
		migration.Module(),

		// Orchestration core
		orchestrator.NewModule(),

		// Request layer
		api.NewModule(),

		// Server
		fx.Provide(server.NewServer),

		// Start the server
		fx.Invoke(registerHooks),
	)
}

func newLogger() (*zap.Logger, error) {
	env := os.Getenv("APP_ENV")
	return server.NewLogger(env)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	srv *server.Server,
	log *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("failed to start server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down server...")
			srv.Stop()
			return nil
		},
	})
}
