package models

import (
	"encoding/json"
	"time"

	"github.com/market-sync/internal/types"
)

// QueuedWork is one unit of work in the durable queue. At most one
// live lease exists per work id; AttemptNo only grows.
type QueuedWork struct {
	WorkID        string          `json:"work_id"`
	TaskName      string          `json:"task_name"`
	Args          json.RawMessage `json:"args,omitempty"`
	Queue         string          `json:"queue"`
	Priority      types.Priority  `json:"priority"`
	AttemptNo     int             `json:"attempt_no"`
	NotBefore     time.Time       `json:"not_before"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	LastError     string          `json:"last_error,omitempty"`
	LeaseToken    string          `json:"lease_token,omitempty"`
	LeaseDeadline time.Time       `json:"lease_deadline,omitempty"`
}
