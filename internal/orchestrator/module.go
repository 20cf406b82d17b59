package orchestrator

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/audit"
	"github.com/forgeci/forge/internal/auth"
	"github.com/forgeci/forge/internal/build"
	"github.com/forgeci/forge/internal/clock"
	"github.com/forgeci/forge/internal/config"
	"github.com/forgeci/forge/internal/database"
	"github.com/forgeci/forge/internal/queue"
	"github.com/forgeci/forge/internal/worker"
)

// NewModule returns the orchestration core: stores, queue, services,
// and the background monitor. The queue is restored from the store
// before the HTTP server module starts listening.
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			queue.New,
			clock.System,
			fx.Annotate(
				func(m *database.Manager) build.Store {
					return build.NewRepository(m.DB())
				},
			),
			fx.Annotate(
				func(m *database.Manager) worker.Registry {
					return worker.NewRepository(m.DB())
				},
			),
			fx.Annotate(
				func(log *zap.Logger) audit.Sink {
					return audit.NewZapSink(log)
				},
			),
			fx.Annotate(
				func(cfg *config.AppConfig) *auth.Service {
					return auth.NewService(&cfg.Auth)
				},
			),
			fx.Annotate(
				func(
					builds build.Store,
					workers worker.Registry,
					q *queue.JobQueue,
					tokens *auth.Service,
					sink audit.Sink,
					clk clock.Clock,
					cfg *config.AppConfig,
					log *zap.Logger,
				) *Service {
					return NewService(builds, workers, q, tokens, sink, clk, &cfg.Orchestrator, log)
				},
			),
			fx.Annotate(
				func(svc *Service, cfg *config.AppConfig, log *zap.Logger) *Monitor {
					return NewMonitor(svc, &cfg.Orchestrator, log)
				},
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	svc *Service,
	monitor *Monitor,
	log *zap.Logger,
) {
	var cancel context.CancelFunc

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Queue restore must finish before any poll is served; the
			// server hook runs after this one.
			if err := svc.RestoreQueue(ctx); err != nil {
				return err
			}

			runCtx, c := context.WithCancel(context.Background())
			cancel = c
			go monitor.Run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
