package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/build"
	"github.com/forgeci/forge/internal/queue"
	"github.com/forgeci/forge/internal/worker"
)

// TryAssign matches one idle worker to one pending build. Returns
// (nil, nil) when no claimable work exists; that is a normal outcome
// of polling, never an error.
//
// The claim is two-phase: the queue only proposes candidates, the
// store commits the transition, and the queue entry is removed after
// that commit. Contention resolves by skipping to the next candidate
// (never by waiting on a locked row), so N pollers against M pending
// builds finish in bounded time at the cost of relaxed FIFO order.
func (s *Service) TryAssign(ctx context.Context, workerID string) (*build.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AssignTimeout)
	defer cancel()

	w, err := s.workers.GetByID(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w.Status == worker.StatusOffline {
		return nil, ErrWorkerOffline
	}

	// A poll is also a sign of life; keep idle-but-polling workers
	// from tripping the offline timeout.
	if err := s.workers.UpdateLiveness(ctx, workerID, s.clock.Now()); err != nil {
		s.log.Warn("failed to update worker liveness on poll",
			zap.String("worker_id", workerID), zap.Error(err))
	}

	// One build per worker. The store, not worker.Status, decides: a
	// worker still attributed an active build gets nothing until a
	// report or reclamation frees it.
	active, err := s.builds.ListActiveByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		s.log.Debug("poll refused, worker already has an active build",
			zap.String("worker_id", workerID),
			zap.String("build_id", active[0].ID))
		return nil, nil
	}

	// Incompatible platforms are filtered before the window is cut, so
	// they never use up claim attempts against a compatible build
	// further back in the queue.
	candidates := s.queue.Candidates(s.cfg.MaxClaimAttempts, func(e queue.Entry) bool {
		return w.CanBuild(e.Platform)
	})
	for _, cand := range candidates {
		b, err := s.builds.AssignIfPending(ctx, cand.BuildID, workerID, s.clock.Now())
		switch {
		case err == nil:
			s.queue.ConfirmDequeue(cand.BuildID)
			if werr := s.workers.SetStatus(ctx, workerID, worker.StatusBuilding); werr != nil {
				s.log.Warn("failed to mark worker building",
					zap.String("worker_id", workerID), zap.Error(werr))
			}
			s.audit.BuildTransition(ctx, b, build.StatusPending, build.StatusAssigned, "assigned")
			s.log.Info("build assigned",
				zap.String("build_id", b.ID),
				zap.String("worker_id", workerID))
			return b, nil

		case errors.Is(err, build.ErrLocked):
			// Another poller holds this row right now. Transient:
			// leave the entry queued and move on.
			continue

		case errors.Is(err, build.ErrConflict):
			// Stale cache entry; the build moved on since it was
			// queued. Drop it and keep going.
			s.queue.ConfirmDequeue(cand.BuildID)
			continue

		case errors.Is(err, build.ErrNotFound):
			// A queued build without a store row should not exist.
			// Fatal to nothing: drop the entry and continue.
			s.log.Error("queued build has no store record",
				zap.String("build_id", cand.BuildID))
			s.queue.ConfirmDequeue(cand.BuildID)
			continue

		default:
			// Transient store failure. The entry stays queued and is
			// never recorded against the build; the caller retries.
			return nil, err
		}
	}

	return nil, nil
}
