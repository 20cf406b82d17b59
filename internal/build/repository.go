package build

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound means the build row does not exist.
	ErrNotFound = errors.New("build not found")

	// ErrConflict means the expected-status guard did not hold: the
	// build moved on before the caller's mutation could apply.
	ErrConflict = errors.New("build status conflict")

	// ErrLocked means a concurrent assignment currently holds the row.
	// Transient: the caller should skip to the next candidate, never wait.
	ErrLocked = errors.New("build row locked by concurrent assignment")

	// ErrInvalidTransition means the requested target status is not
	// reachable from the expected status on the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the durable record of every build. TransitionIf is the sole
// general mutation primitive; every status change in the system flows
// through its expected-status guard, which is what makes concurrent
// mutation safe and terminal states final.
type Store interface {
	Create(ctx context.Context, b *Build) error
	GetByID(ctx context.Context, id string) (*Build, error)

	// TransitionIf applies fields atomically only while the build's
	// status equals expected. fields must include "status".
	TransitionIf(ctx context.Context, id string, expected Status, fields map[string]any) (*Build, error)

	// AssignIfPending claims one pending build for a worker inside a
	// single transaction, using a lock that redirects concurrent
	// claimants to other rows instead of blocking them.
	AssignIfPending(ctx context.Context, id, workerID string, now time.Time) (*Build, error)

	// Heartbeat records liveness only. Silent no-op unless the build
	// is assigned or building.
	Heartbeat(ctx context.Context, id string, at time.Time) error

	// ListStaleActive returns assigned/building builds whose last sign
	// of life is older than now-timeout.
	ListStaleActive(ctx context.Context, timeout time.Duration, now time.Time) ([]Build, error)

	// ListPending returns all pending builds ordered by submission,
	// for queue restoration on startup.
	ListPending(ctx context.Context) ([]Build, error)

	// ListActiveByWorker returns the non-terminal builds attributed to
	// a worker (by the single-assignment invariant, at most one).
	ListActiveByWorker(ctx context.Context, workerID string) ([]Build, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Store {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, b *Build) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *repository) GetByID(ctx context.Context, id string) (*Build, error) {
	var b Build
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *repository) TransitionIf(ctx context.Context, id string, expected Status, fields map[string]any) (*Build, error) {
	target, ok := fields["status"].(Status)
	if !ok {
		return nil, fmt.Errorf("transition for build %s: fields missing status", id)
	}
	if !CanTransition(expected, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, target)
	}

	res := r.db.WithContext(ctx).Model(&Build{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a vanished row from a lost race.
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return r.GetByID(ctx, id)
}

func (r *repository) AssignIfPending(ctx context.Context, id, workerID string, now time.Time) (*Build, error) {
	var claimed Build
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b Build
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND status = ?", id, StatusPending).
			First(&b).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return r.classifyMissedClaim(tx, id)
			}
			return err
		}

		res := tx.Model(&Build{}).
			Where("id = ? AND status = ?", b.ID, StatusPending).
			Updates(map[string]any{
				"status":      StatusAssigned,
				"worker_id":   workerID,
				"assigned_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// We hold the row lock; a locked row changing status
			// underneath us should be impossible.
			return fmt.Errorf("%w: locked pending build %s changed before commit", ErrConflict, b.ID)
		}

		if err := tx.Where("id = ?", b.ID).First(&claimed).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// classifyMissedClaim explains why a SKIP LOCKED select found nothing:
// the row is gone, no longer pending, or pending but locked by a
// concurrent claimant. Runs inside the claim transaction; the plain
// read below does not block on the competing row lock.
func (r *repository) classifyMissedClaim(tx *gorm.DB, id string) error {
	var probe Build
	if err := tx.Select("id", "status").Where("id = ?", id).First(&probe).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if probe.Status != StatusPending {
		return fmt.Errorf("%w: build %s is %s", ErrConflict, id, probe.Status)
	}
	return ErrLocked
}

func (r *repository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Build{}).
		Where("id = ? AND status IN ?", id, []Status{StatusAssigned, StatusBuilding}).
		Update("last_heartbeat_at", at).Error
}

func (r *repository) ListStaleActive(ctx context.Context, timeout time.Duration, now time.Time) ([]Build, error) {
	cutoff := now.Add(-timeout)
	var builds []Build
	err := r.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusAssigned, StatusBuilding}).
		Where("COALESCE(last_heartbeat_at, started_at, assigned_at) < ?", cutoff).
		Order("submitted_at ASC").
		Find(&builds).Error
	if err != nil {
		return nil, err
	}
	return builds, nil
}

func (r *repository) ListPending(ctx context.Context) ([]Build, error) {
	var builds []Build
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("submitted_at ASC").
		Find(&builds).Error
	if err != nil {
		return nil, err
	}
	return builds, nil
}

func (r *repository) ListActiveByWorker(ctx context.Context, workerID string) ([]Build, error) {
	var builds []Build
	err := r.db.WithContext(ctx).
		Where("worker_id = ? AND status IN ?", workerID, []Status{StatusAssigned, StatusBuilding}).
		Find(&builds).Error
	if err != nil {
		return nil, err
	}
	return builds, nil
}
