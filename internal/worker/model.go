package worker

import (
	"time"

	"github.com/lib/pq"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusBuilding Status = "building"
	StatusOffline  Status = "offline"
)

// Worker is a stable-identity agent that executes one build at a time.
// Invariant: Status == building iff exactly one non-terminal build
// carries this worker's id.
type Worker struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	Name         string         `gorm:"not null" json:"name"`
	Status       Status         `gorm:"not null" json:"status"`
	Capabilities pq.StringArray `gorm:"type:text[]" json:"capabilities"`

	LastSeenAt time.Time `gorm:"not null;index" json:"last_seen_at"`

	BuildsCompleted int `gorm:"not null;default:0" json:"builds_completed"`
	BuildsFailed    int `gorm:"not null;default:0" json:"builds_failed"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (Worker) TableName() string {
	return "workers"
}

// CanBuild reports whether the worker's capability set covers platform.
func (w *Worker) CanBuild(platform string) bool {
	for _, p := range w.Capabilities {
		if p == platform {
			return true
		}
	}
	return false
}
