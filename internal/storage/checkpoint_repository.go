package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/models"
)

// CheckpointRepository stores opaque task checkpoints. Sequence
// numbers are dense per task; checksums validate on read.
type CheckpointRepository struct {
	db *PostgresDB
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(db *PostgresDB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Save writes a checkpoint with the next sequence number for the task.
// Returns only after the row is durably written.
func (r *CheckpointRepository) Save(ctx context.Context, cp *models.Checkpoint) error {
	cp.Checksum = cp.ComputeChecksum()
	counters, err := json.Marshal(cp.Counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}

	query := `
		INSERT INTO checkpoints (task_id, sequence_no, cursor, counters, checksum, created_at)
		SELECT $1,
			coalesce((SELECT max(sequence_no) FROM checkpoints WHERE task_id = $1), 0) + 1,
			$2, $3, $4, now()
		RETURNING sequence_no
	`
	err = r.db.Pool().QueryRow(ctx, query, cp.TaskID, cp.Cursor, counters, cp.Checksum).Scan(&cp.SequenceNo)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.TaskID, err)
	}
	return nil
}

// LoadLatest returns the newest checkpoint for a task, or nil when the
// task has none. A checksum mismatch returns ErrCheckpointCorrupt so
// the caller restarts from scratch.
func (r *CheckpointRepository) LoadLatest(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	query := `
		SELECT task_id, sequence_no, cursor, counters, checksum, created_at
		FROM checkpoints
		WHERE task_id = $1
		ORDER BY sequence_no DESC
		LIMIT 1
	`
	var cp models.Checkpoint
	var counters []byte
	err := r.db.Pool().QueryRow(ctx, query, taskID).Scan(
		&cp.TaskID, &cp.SequenceNo, &cp.Cursor, &counters, &cp.Checksum, &cp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", taskID, err)
	}
	if err := json.Unmarshal(counters, &cp.Counters); err != nil {
		return nil, fmt.Errorf("bad counters: %w", err)
	}
	if !cp.Verify() {
		return nil, apperrors.ErrCheckpointCorrupt.WithDetail("task_id", taskID)
	}
	return &cp, nil
}

// Prune removes checkpoints past the retention window. Returns the
// number of rows removed.
func (r *CheckpointRepository) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM checkpoints WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
