package worker

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("worker not found")

func pqArray(s []string) pq.StringArray {
	return pq.StringArray(s)
}

// Registry is the durable record of workers. Liveness, status and
// counters are deliberately separate narrow operations: a liveness
// ping must have no way to touch work state.
type Registry interface {
	Create(ctx context.Context, w *Worker) error
	GetByID(ctx context.Context, id string) (*Worker, error)

	// RefreshRegistration updates name, capabilities and last_seen_at
	// for a re-registering worker. Never touches status or counters.
	RefreshRegistration(ctx context.Context, id, name string, capabilities []string, at time.Time) error

	// UpdateLiveness touches last_seen_at only.
	UpdateLiveness(ctx context.Context, id string, at time.Time) error

	SetStatus(ctx context.Context, id string, status Status) error

	// IncrementCounter bumps builds_completed or builds_failed.
	IncrementCounter(ctx context.Context, id string, success bool) error

	// ListStale returns non-offline workers whose last_seen_at is
	// older than cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]Worker, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Registry {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, w *Worker) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *repository) GetByID(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *repository) RefreshRegistration(ctx context.Context, id, name string, capabilities []string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Worker{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"name":         name,
			"capabilities": pqArray(capabilities),
			"last_seen_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) UpdateLiveness(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Worker{}).
		Where("id = ?", id).
		Update("last_seen_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) SetStatus(ctx context.Context, id string, status Status) error {
	res := r.db.WithContext(ctx).Model(&Worker{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) ListStale(ctx context.Context, cutoff time.Time) ([]Worker, error) {
	var workers []Worker
	err := r.db.WithContext(ctx).
		Where("status <> ? AND last_seen_at < ?", StatusOffline, cutoff).
		Find(&workers).Error
	if err != nil {
		return nil, err
	}
	return workers, nil
}

func (r *repository) IncrementCounter(ctx context.Context, id string, success bool) error {
	column := "builds_completed"
	if !success {
		column = "builds_failed"
	}
	res := r.db.WithContext(ctx).Model(&Worker{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
