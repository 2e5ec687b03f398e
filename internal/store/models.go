package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Evaluation statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

type Evaluation struct {
	ID          uuid.UUID   `json:"id"`
	Status      string      `json:"status"`
	Request     []byte      `json:"request"`
	Results     []byte      `json:"results"`
	Error       pgtype.Text `json:"error"`
	Attempt     int32       `json:"attempt"`
	MaxAttempts int32       `json:"max_attempts"`
	RunAt       time.Time   `json:"run_at"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at"`
}
