package api

import (
	"github.com/gorilla/mux"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/artifact"
	"github.com/forgeci/forge/internal/auth"
	"github.com/forgeci/forge/internal/config"
	"github.com/forgeci/forge/internal/orchestrator"
)

// NewModule returns the request layer: artifact store, handlers,
// middleware, and the assembled router.
func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(cfg *config.AppConfig) (artifact.Store, error) {
					return artifact.NewLocalStore(cfg.Artifact.RootDir)
				},
			),
			fx.Annotate(
				func(svc *orchestrator.Service, store artifact.Store, log *zap.Logger) *Handler {
					return NewHandler(svc, store, log)
				},
			),
			fx.Annotate(
				func(tokens *auth.Service, log *zap.Logger) *AuthMiddleware {
					return NewAuthMiddleware(tokens, log)
				},
			),
			fx.Annotate(
				func(handler *Handler, authMW *AuthMiddleware, log *zap.Logger) *mux.Router {
					return NewRouter(handler, authMW, log)
				},
			),
		),
	)
}

func NewRouter(handler *Handler, authMW *AuthMiddleware, log *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(log))
	r.Use(authMW.Handler)
	handler.RegisterRoutes(r)
	return r
}
