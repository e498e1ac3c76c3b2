package models

import (
	"time"

	"github.com/market-sync/internal/types"
)

// RunCounters tracks record-level outcomes of a SyncRun.
// Invariant: Processed = Success + Failed + Skipped.
type RunCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Consistent reports whether the counter identity holds.
func (c RunCounters) Consistent() bool {
	return c.Processed == c.Success+c.Failed+c.Skipped
}

// SourceFilter narrows which source records a sync covers.
type SourceFilter struct {
	CategoryID string     `json:"category_id,omitempty"`
	Keyword    string     `json:"keyword,omitempty"`
	DateFrom   *time.Time `json:"date_from,omitempty"`
	DateTo     *time.Time `json:"date_to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// SyncRun is one operator-visible execution of a sync pipeline.
type SyncRun struct {
	ID              int64               `json:"id"`
	TaskID          string              `json:"task_id"`
	TaskName        string              `json:"task_name"`
	OperationType   types.OperationType `json:"operation_type"`
	SyncType        types.SyncType      `json:"sync_type"`
	Status          types.RunStatus     `json:"status"`
	Progress        float64             `json:"progress"`
	Counters        RunCounters         `json:"counters"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	EndedAt         *time.Time          `json:"ended_at,omitempty"`
	DurationSeconds float64             `json:"duration_seconds"`
	ErrorDigest     map[string]int      `json:"error_digest,omitempty"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Filter          SourceFilter        `json:"filter"`
	RetryOf         string              `json:"retry_of,omitempty"`
	CancelRequested bool                `json:"cancel_requested"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}
