package models

import (
	"time"

	"github.com/market-sync/internal/types"
)

// FieldChange records one modified key in a version diff.
type FieldChange struct {
	Field  string      `json:"field"`
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`
}

// VersionDiff is the structural difference between two snapshots.
type VersionDiff struct {
	Added    []FieldChange `json:"added,omitempty"`
	Removed  []FieldChange `json:"removed,omitempty"`
	Modified []FieldChange `json:"modified,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d *VersionDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// VersionRecord is an immutable historical state of an entity.
// Version numbers are dense and monotonic per (entity_type, entity_id);
// a create is always version 1 and has no prior.
type VersionRecord struct {
	ID         int64            `json:"id"`
	EntityType types.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	VersionNo  int              `json:"version_no"`
	ChangeKind types.ChangeKind `json:"change_kind"`
	Author     string           `json:"author"`
	Checksum   string           `json:"checksum"`
	Snapshot   []byte           `json:"snapshot"`
	Diff       *VersionDiff     `json:"diff,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}
