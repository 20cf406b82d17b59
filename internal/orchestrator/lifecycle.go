package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/build"
	"github.com/forgeci/forge/internal/worker"
)

// Register creates a worker or refreshes a known one, and issues a
// session token. Idempotent: re-registration updates name,
// capabilities and liveness but never clears or reassigns a build
// still attributed to the worker from a prior process lifetime.
// Reclamation stays the monitor's (or Unregister's) job.
func (s *Service) Register(ctx context.Context, workerID, name string, capabilities []string) (*worker.Worker, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("%w: worker name is required", ErrInvalidSubmission)
	}
	if len(capabilities) == 0 {
		return nil, "", fmt.Errorf("%w: at least one capability is required", ErrInvalidSubmission)
	}
	now := s.clock.Now()

	if workerID != "" {
		existing, err := s.workers.GetByID(ctx, workerID)
		switch {
		case err == nil:
			return s.reRegister(ctx, existing, name, capabilities)
		case !errors.Is(err, worker.ErrNotFound):
			return nil, "", err
		}
	}

	if workerID == "" {
		workerID = uuid.NewString()
	}
	w := &worker.Worker{
		ID:           workerID,
		Name:         name,
		Status:       worker.StatusIdle,
		Capabilities: capabilities,
		LastSeenAt:   now,
	}
	if err := s.workers.Create(ctx, w); err != nil {
		return nil, "", fmt.Errorf("failed to register worker: %w", err)
	}

	token, err := s.tokens.IssueWorkerToken(w.ID, now)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue worker token: %w", err)
	}
	s.audit.WorkerEvent(ctx, w.ID, "registered", name)
	s.log.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.String("name", name),
		zap.Strings("capabilities", capabilities))
	return w, token, nil
}

func (s *Service) reRegister(ctx context.Context, w *worker.Worker, name string, capabilities []string) (*worker.Worker, string, error) {
	now := s.clock.Now()
	if err := s.workers.RefreshRegistration(ctx, w.ID, name, capabilities, now); err != nil {
		return nil, "", err
	}

	// Builds still attributed to this worker stay attributed; the
	// worker only becomes idle once nothing references it.
	active, err := s.builds.ListActiveByWorker(ctx, w.ID)
	if err != nil {
		return nil, "", err
	}
	if len(active) == 0 && w.Status != worker.StatusIdle {
		if err := s.workers.SetStatus(ctx, w.ID, worker.StatusIdle); err != nil {
			return nil, "", err
		}
	}

	refreshed, err := s.workers.GetByID(ctx, w.ID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.tokens.IssueWorkerToken(w.ID, now)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue worker token: %w", err)
	}
	s.audit.WorkerEvent(ctx, w.ID, "re-registered", name)
	return refreshed, token, nil
}

// Heartbeat records liveness and nothing else. It cannot change
// build.Status or worker.Status: the registry and store expose no
// liveness call that writes either.
func (s *Service) Heartbeat(ctx context.Context, workerID, buildID string) error {
	now := s.clock.Now()
	if err := s.workers.UpdateLiveness(ctx, workerID, now); err != nil {
		return err
	}

	if buildID == "" {
		return nil
	}
	b, err := s.builds.GetByID(ctx, buildID)
	if err != nil || !b.OwnedBy(workerID) {
		// Acked without forwarding; heartbeats never reveal whether a
		// mismatched build exists.
		return nil
	}
	return s.builds.Heartbeat(ctx, buildID, now)
}

// ReportStarted moves an assigned build to building. Heartbeats are
// liveness-only, so the state machine needs this explicit report.
func (s *Service) ReportStarted(ctx context.Context, buildID, workerID string) (*build.Build, error) {
	b, err := s.builds.GetByID(ctx, buildID)
	if err != nil {
		if errors.Is(err, build.ErrNotFound) {
			return nil, ErrNotOwner
		}
		return nil, err
	}
	if !b.OwnedBy(workerID) {
		return nil, ErrNotOwner
	}

	started, err := s.builds.TransitionIf(ctx, buildID, build.StatusAssigned, map[string]any{
		"status":     build.StatusBuilding,
		"started_at": s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	s.audit.BuildTransition(ctx, started, build.StatusAssigned, build.StatusBuilding, "started")
	return started, nil
}

type CompletionReport struct {
	BuildID   string
	WorkerID  string
	Success   bool
	ResultRef string
	Error     string
}

// ReportCompletion finishes a build on behalf of its owning worker.
// The ownership check comes first and its rejection is identical for
// "wrong owner" and "no such build".
func (s *Service) ReportCompletion(ctx context.Context, rep CompletionReport) (*build.Build, error) {
	b, err := s.builds.GetByID(ctx, rep.BuildID)
	if err != nil {
		if errors.Is(err, build.ErrNotFound) {
			return nil, ErrNotOwner
		}
		return nil, err
	}
	if !b.OwnedBy(rep.WorkerID) {
		return nil, ErrNotOwner
	}

	now := s.clock.Now()

	// A worker may legitimately finish before its start report landed;
	// walk the assigned build through building first so the state
	// machine stays monotonic.
	expected := b.Status
	if rep.Success && expected == build.StatusAssigned {
		if _, err := s.builds.TransitionIf(ctx, rep.BuildID, build.StatusAssigned, map[string]any{
			"status":     build.StatusBuilding,
			"started_at": now,
		}); err != nil {
			return nil, err
		}
		expected = build.StatusBuilding
	}

	target := build.StatusCompleted
	fields := map[string]any{
		"status":       target,
		"completed_at": now,
		"result_ref":   rep.ResultRef,
	}
	if !rep.Success {
		target = build.StatusFailed
		fields = map[string]any{
			"status":        target,
			"completed_at":  now,
			"error_message": rep.Error,
		}
	}

	done, err := s.builds.TransitionIf(ctx, rep.BuildID, expected, fields)
	if err != nil {
		return nil, err
	}

	if werr := s.workers.SetStatus(ctx, rep.WorkerID, worker.StatusIdle); werr != nil {
		s.log.Warn("failed to idle worker after completion",
			zap.String("worker_id", rep.WorkerID), zap.Error(werr))
	}
	if werr := s.workers.IncrementCounter(ctx, rep.WorkerID, rep.Success); werr != nil {
		s.log.Warn("failed to bump worker counter",
			zap.String("worker_id", rep.WorkerID), zap.Error(werr))
	}
	s.audit.BuildTransition(ctx, done, expected, target, rep.Error)
	s.log.Info("build finished",
		zap.String("build_id", done.ID),
		zap.String("worker_id", rep.WorkerID),
		zap.Bool("success", rep.Success))
	return done, nil
}

// Unregister is a graceful shutdown: any build the worker still owns
// is reclaimed immediately through the same pending-requeue path the
// heartbeat sweep uses, then the worker goes offline.
func (s *Service) Unregister(ctx context.Context, workerID string) error {
	if _, err := s.workers.GetByID(ctx, workerID); err != nil {
		return err
	}

	active, err := s.builds.ListActiveByWorker(ctx, workerID)
	if err != nil {
		return err
	}
	for i := range active {
		if _, err := s.reclaimActive(ctx, &active[i], "worker unregistered"); err != nil {
			return err
		}
	}

	if err := s.workers.SetStatus(ctx, workerID, worker.StatusOffline); err != nil {
		return err
	}
	s.audit.WorkerEvent(ctx, workerID, "unregistered", "")
	s.log.Info("worker unregistered", zap.String("worker_id", workerID))
	return nil
}
