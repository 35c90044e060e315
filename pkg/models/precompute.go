package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PrecomputeQueued     = "queued"
	PrecomputeProcessing = "processing"
	PrecomputeCompleted  = "completed"
	PrecomputeFailed     = "failed"
)

// PrecomputeStatus tracks the latest background recompute for a user.
type PrecomputeStatus struct {
	JobID      uuid.UUID `json:"job_id"`
	UserID     int64     `json:"user_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	Coalesced  int       `json:"coalesced"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type PrecomputeStats struct {
	Enqueued   int64 `json:"enqueued"`
	Coalesced  int64 `json:"coalesced"`
	Dropped    int64 `json:"dropped"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	QueueDepth int   `json:"queue_depth"`
	Workers    int   `json:"workers"`
}
