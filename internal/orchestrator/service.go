package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/audit"
	"github.com/forgeci/forge/internal/auth"
	"github.com/forgeci/forge/internal/build"
	"github.com/forgeci/forge/internal/clock"
	"github.com/forgeci/forge/internal/config"
	"github.com/forgeci/forge/internal/queue"
	"github.com/forgeci/forge/internal/worker"
)

var (
	// ErrWorkerOffline is returned when an offline worker polls; it
	// must re-register first.
	ErrWorkerOffline = errors.New("worker is offline")

	// ErrNotOwner covers every ownership violation. The message never
	// reveals whether the disputed build exists.
	ErrNotOwner = errors.New("build not assigned to this worker")

	// ErrInvalidSubmission is a permanent validation failure.
	ErrInvalidSubmission = errors.New("invalid build submission")

	// ErrNotCancellable is returned when a build is already building
	// or terminal.
	ErrNotCancellable = errors.New("build can no longer be cancelled")
)

// Service owns every mutation of builds and workers. The build store
// is the single source of truth; the in-memory queue is only ever
// touched after the corresponding store transition has committed.
type Service struct {
	builds  build.Store
	workers worker.Registry
	queue   *queue.JobQueue
	tokens  *auth.Service
	audit   audit.Sink
	clock   clock.Clock
	cfg     *config.OrchestratorConfig
	log     *zap.Logger
}

func NewService(
	builds build.Store,
	workers worker.Registry,
	q *queue.JobQueue,
	tokens *auth.Service,
	sink audit.Sink,
	clk clock.Clock,
	cfg *config.OrchestratorConfig,
	log *zap.Logger,
) *Service {
	return &Service{
		builds:  builds,
		workers: workers,
		queue:   q,
		tokens:  tokens,
		audit:   sink,
		clock:   clk,
		cfg:     cfg,
		log:     log,
	}
}

type SubmitRequest struct {
	Platform  string
	SourceRef string
	CredsRef  string
}

// Submit creates a pending build and enqueues it. The queue is only
// appended to after the store insert commits, so a build can never
// exist in the queue without a durable backing record.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*build.Build, error) {
	if req.Platform == "" {
		return nil, fmt.Errorf("%w: platform is required", ErrInvalidSubmission)
	}
	if req.SourceRef == "" {
		return nil, fmt.Errorf("%w: source_ref is required", ErrInvalidSubmission)
	}

	b := &build.Build{
		ID:          uuid.NewString(),
		Platform:    req.Platform,
		Status:      build.StatusPending,
		SourceRef:   req.SourceRef,
		CredsRef:    req.CredsRef,
		SubmittedAt: s.clock.Now(),
		MaxRetries:  s.cfg.MaxRetries,
	}
	if err := s.builds.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create build: %w", err)
	}

	s.queue.Enqueue(queue.Entry{BuildID: b.ID, Platform: b.Platform, SubmittedAt: b.SubmittedAt})
	s.audit.BuildTransition(ctx, b, "", build.StatusPending, "submitted")
	s.log.Info("build submitted",
		zap.String("build_id", b.ID),
		zap.String("platform", b.Platform))
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*build.Build, error) {
	return s.builds.GetByID(ctx, id)
}

// Cancel moves a pending or assigned build to cancelled. Racing
// against assignment is safe: whichever side loses the expected-status
// check applies nothing.
func (s *Service) Cancel(ctx context.Context, id string) (*build.Build, error) {
	now := s.clock.Now()
	fields := map[string]any{
		"status":       build.StatusCancelled,
		"completed_at": now,
	}

	b, err := s.builds.TransitionIf(ctx, id, build.StatusPending, fields)
	if err == nil {
		s.queue.ConfirmDequeue(id)
		s.audit.BuildTransition(ctx, b, build.StatusPending, build.StatusCancelled, "cancelled")
		return b, nil
	}
	if !errors.Is(err, build.ErrConflict) {
		return nil, err
	}

	b, err = s.builds.TransitionIf(ctx, id, build.StatusAssigned, fields)
	if err == nil {
		// Cancelled is terminal, so the worker slot is free again even
		// though the agent has not been told yet; it learns when its
		// next report comes back with a conflict.
		if b.WorkerID != nil {
			if werr := s.workers.SetStatus(ctx, *b.WorkerID, worker.StatusIdle); werr != nil {
				s.log.Warn("failed to idle worker after cancel",
					zap.String("worker_id", *b.WorkerID), zap.Error(werr))
			}
		}
		s.audit.BuildTransition(ctx, b, build.StatusAssigned, build.StatusCancelled, "cancelled")
		return b, nil
	}
	if errors.Is(err, build.ErrConflict) {
		return nil, ErrNotCancellable
	}
	return nil, err
}

// RestoreQueue rebuilds the in-memory queue from the store. Runs on
// startup before any poll is served.
func (s *Service) RestoreQueue(ctx context.Context) error {
	pending, err := s.builds.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore job queue: %w", err)
	}

	entries := make([]queue.Entry, 0, len(pending))
	for _, b := range pending {
		entries = append(entries, queue.Entry{BuildID: b.ID, Platform: b.Platform, SubmittedAt: b.SubmittedAt})
	}
	s.queue.Restore(entries)
	s.log.Info("job queue restored", zap.Int("pending_builds", len(entries)))
	return nil
}

// reclaimActive returns an assigned/building build to the pool, or
// fails it permanently once its retries are exhausted. Shared by the
// heartbeat sweep and proactive unregister so both paths account for
// retries identically. Idempotent: losing the expected-status race
// means someone else already handled the build.
func (s *Service) reclaimActive(ctx context.Context, b *build.Build, reason string) (requeued bool, err error) {
	now := s.clock.Now()

	if b.RetryCount < b.MaxRetries {
		updated, terr := s.builds.TransitionIf(ctx, b.ID, b.Status, map[string]any{
			"status":            build.StatusPending,
			"worker_id":         nil,
			"retry_count":       b.RetryCount + 1,
			"started_at":        nil,
			"last_heartbeat_at": nil,
		})
		if terr != nil {
			if errors.Is(terr, build.ErrConflict) || errors.Is(terr, build.ErrNotFound) {
				return false, nil
			}
			return false, terr
		}
		s.queue.Requeue(queue.Entry{BuildID: updated.ID, Platform: updated.Platform, SubmittedAt: updated.SubmittedAt})
		s.audit.BuildTransition(ctx, updated, b.Status, build.StatusPending, reason)
		s.log.Info("build reclaimed",
			zap.String("build_id", b.ID),
			zap.Int("retry_count", updated.RetryCount),
			zap.String("reason", reason))
		return true, nil
	}

	msg := fmt.Sprintf("%s after %d retries, max retries exceeded", reason, b.RetryCount)
	failed, terr := s.builds.TransitionIf(ctx, b.ID, b.Status, map[string]any{
		"status":        build.StatusFailed,
		"completed_at":  now,
		"error_message": msg,
	})
	if terr != nil {
		if errors.Is(terr, build.ErrConflict) || errors.Is(terr, build.ErrNotFound) {
			return false, nil
		}
		return false, terr
	}
	s.audit.BuildTransition(ctx, failed, b.Status, build.StatusFailed, msg)
	s.log.Warn("build failed permanently",
		zap.String("build_id", b.ID),
		zap.String("error", msg))
	return false, nil
}
