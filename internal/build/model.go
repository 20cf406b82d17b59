package build

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusBuilding  Status = "building"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions is the build state machine:
//
//	pending → assigned → building → completed | failed
//	pending/assigned → cancelled
//	assigned/building → pending (reclaim with retry_count+1)
//	assigned/building → failed (retries exhausted, permanent error)
//
// Terminal states allow nothing further.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusAssigned, StatusCancelled, StatusFailed},
	StatusAssigned:  {StatusBuilding, StatusCancelled, StatusPending, StatusFailed},
	StatusBuilding:  {StatusCompleted, StatusFailed, StatusPending},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether from → to is a legal move on the
// state machine.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status accepts no further transitions.
func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// IsActive reports whether a build currently occupies a worker.
func IsActive(status Status) bool {
	return status == StatusAssigned || status == StatusBuilding
}

// Build is one compilation job moving through the state machine.
// WorkerID is set on assignment and deliberately retained after a
// terminal transition so the last owner stays visible for audit.
type Build struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Platform string `gorm:"not null;index" json:"platform"`
	Status   Status `gorm:"not null;index" json:"status"`

	SourceRef string `json:"source_ref"`
	CredsRef  string `json:"creds_ref,omitempty"`
	ResultRef string `json:"result_ref,omitempty"`

	WorkerID *string `gorm:"index" json:"worker_id,omitempty"`

	SubmittedAt     time.Time  `gorm:"not null;index" json:"submitted_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int    `gorm:"not null" json:"max_retries"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (Build) TableName() string {
	return "builds"
}

// OwnedBy reports whether the build is currently attributed to workerID.
func (b *Build) OwnedBy(workerID string) bool {
	return b.WorkerID != nil && *b.WorkerID == workerID
}
