package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/auth"
)

type contextKey string

// WorkerContextKey holds the authenticated worker id.
const WorkerContextKey contextKey = "worker_id"

type AuthMiddleware struct {
	tokens *auth.Service
	log    *zap.Logger
}

func NewAuthMiddleware(tokens *auth.Service, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, log: log}
}

// Handler validates the bearer token on every non-public route and
// binds the token's worker id into the request context. When the
// route addresses a worker by path id, the two must match.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := mux.CurrentRoute(r)
		if route != nil && PublicEndpoints[route.GetName()] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "worker token required")
			return
		}

		claims, err := m.tokens.ValidateWorkerToken(tokenString)
		if err != nil {
			m.log.Warn("rejected worker token",
				zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid worker token")
			return
		}

		if route != nil && WorkerScopedEndpoints[route.GetName()] {
			if mux.Vars(r)["id"] != claims.WorkerID {
				writeError(w, http.StatusForbidden, "token does not match worker")
				return
			}
		}

		ctx := context.WithValue(r.Context(), WorkerContextKey, claims.WorkerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WorkerFromContext returns the authenticated worker id, if any.
func WorkerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(WorkerContextKey).(string)
	return id, ok
}

// LoggingMiddleware emits one structured record per request.
func LoggingMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
