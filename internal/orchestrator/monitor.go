package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgeci/forge/internal/config"
	"github.com/forgeci/forge/internal/worker"
)

// Monitor is the failure detector: a fixed-interval sweep that
// reclaims builds whose workers have gone silent and takes silent
// workers offline. It runs independently of request handling and is
// idempotent: every mutation it performs sits behind the same
// expected-status guard as everything else, so re-running against
// unchanged state is a no-op.
type Monitor struct {
	svc *Service
	cfg *config.OrchestratorConfig
	log *zap.Logger
}

func NewMonitor(svc *Service, cfg *config.OrchestratorConfig, log *zap.Logger) *Monitor {
	return &Monitor{svc: svc, cfg: cfg, log: log.Named("monitor")}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.log.Info("heartbeat monitor started",
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.Duration("heartbeat_timeout", m.cfg.HeartbeatTimeout))

	for {
		select {
		case <-ctx.Done():
			m.log.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep reclaims every stale active build, then takes silent workers
// offline. Sweep errors are logged and skipped; the next tick retries.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.svc.clock.Now()

	stale, err := m.svc.builds.ListStaleActive(ctx, m.cfg.HeartbeatTimeout, now)
	if err != nil {
		m.log.Error("failed to list stale builds", zap.Error(err))
		return
	}

	for i := range stale {
		b := &stale[i]
		ownerID := ""
		if b.WorkerID != nil {
			ownerID = *b.WorkerID
		}

		requeued, err := m.svc.reclaimActive(ctx, b, "heartbeat timeout")
		if err != nil {
			m.log.Error("failed to reclaim stale build",
				zap.String("build_id", b.ID), zap.Error(err))
			continue
		}
		m.log.Info("stale build swept",
			zap.String("build_id", b.ID),
			zap.String("worker_id", ownerID),
			zap.Bool("requeued", requeued))

		if ownerID != "" {
			m.remediateWorker(ctx, ownerID, now)
		}
	}

	m.sweepSilentWorkers(ctx, now)
}

// remediateWorker frees the worker slot behind a reclaimed build:
// back to idle normally, offline if the worker itself has also gone
// silent past the offline timeout.
func (m *Monitor) remediateWorker(ctx context.Context, workerID string, now time.Time) {
	w, err := m.svc.workers.GetByID(ctx, workerID)
	if err != nil {
		m.log.Warn("owner of reclaimed build not in registry",
			zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	if w.Status == worker.StatusOffline {
		return
	}

	target := worker.StatusIdle
	if now.Sub(w.LastSeenAt) > m.cfg.WorkerOfflineTimeout {
		target = worker.StatusOffline
	}
	if w.Status == target {
		return
	}
	if err := m.svc.workers.SetStatus(ctx, workerID, target); err != nil {
		m.log.Warn("failed to remediate worker",
			zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	m.svc.audit.WorkerEvent(ctx, workerID, string(target), "heartbeat sweep")
}

func (m *Monitor) sweepSilentWorkers(ctx context.Context, now time.Time) {
	cutoff := now.Add(-m.cfg.WorkerOfflineTimeout)
	silent, err := m.svc.workers.ListStale(ctx, cutoff)
	if err != nil {
		m.log.Error("failed to list silent workers", zap.Error(err))
		return
	}

	for _, w := range silent {
		if w.Status == worker.StatusBuilding {
			// Its build is still within the heartbeat timeout;
			// reclaiming is the build sweep's call, not ours.
			continue
		}
		if err := m.svc.workers.SetStatus(ctx, w.ID, worker.StatusOffline); err != nil {
			m.log.Warn("failed to take worker offline",
				zap.String("worker_id", w.ID), zap.Error(err))
			continue
		}
		m.svc.audit.WorkerEvent(ctx, w.ID, string(worker.StatusOffline), "no liveness signal")
	}
}
