package jobs

import "time"

const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// TypeConvert processes one conversion job; JobID carries its id.
const TypeConvert = "CONVERT_JOB"

type Task struct {
	ID uint64 `gorm:"primaryKey"`

	Type  string `gorm:"type:text;not null"` // CONVERT_JOB
	JobID string `gorm:"type:text;not null;index"`

	RunAt  time.Time `gorm:"index;not null"`
	Status string    `gorm:"index;not null;default:'PENDING'"` // PENDING/RUNNING/DONE/FAILED

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:3"`

	LockedBy *string    `gorm:"type:text"`
	LockedAt *time.Time `gorm:"type:timestamptz"`

	LastError *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}
