package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/models"
)

// SyncRunRepository handles sync run rows.
type SyncRunRepository struct {
	db *PostgresDB
}

// NewSyncRunRepository creates a new sync run repository.
func NewSyncRunRepository(db *PostgresDB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Create inserts a new sync run.
func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	filter, err := json.Marshal(run.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode filter: %w", err)
	}
	digest, err := json.Marshal(run.ErrorDigest)
	if err != nil {
		return fmt.Errorf("failed to encode error digest: %w", err)
	}
	recommendations, err := json.Marshal(run.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}

	query := `
		INSERT INTO sync_runs (
			task_id, task_name, operation_type, sync_type, status, progress,
			total, processed, success, failed, skipped,
			started_at, ended_at, duration_seconds,
			error_digest, recommendations, filter, retry_of, cancel_requested,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now(),now())
	`
	_, err = r.db.Pool().Exec(ctx, query,
		run.TaskID, run.TaskName, run.OperationType, run.SyncType, run.Status, run.Progress,
		run.Counters.Total, run.Counters.Processed, run.Counters.Success, run.Counters.Failed, run.Counters.Skipped,
		run.StartedAt, run.EndedAt, run.DurationSeconds,
		digest, recommendations, filter, nullableString(run.RetryOf), run.CancelRequested,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync run %s: %w", run.TaskID, err)
	}
	return nil
}

const syncRunColumns = `
	task_id, task_name, operation_type, sync_type, status, progress,
	total, processed, success, failed, skipped,
	started_at, ended_at, duration_seconds,
	error_digest, recommendations, filter, coalesce(retry_of, ''), cancel_requested,
	created_at, updated_at
`

// GetByTaskID retrieves a sync run by its task id.
func (r *SyncRunRepository) GetByTaskID(ctx context.Context, taskID string) (*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE task_id = $1`
	run, err := scanSyncRun(r.db.Pool().QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound.WithDetail("task_id", taskID)
		}
		return nil, fmt.Errorf("failed to get sync run %s: %w", taskID, err)
	}
	return run, nil
}

// Update persists mutable sync run fields. Status transitions are
// validated here so a stale writer cannot move a run backwards.
func (r *SyncRunRepository) Update(ctx context.Context, run *models.SyncRun) error {
	current, err := r.GetByTaskID(ctx, run.TaskID)
	if err != nil {
		return err
	}
	if current.Status != run.Status && !current.Status.CanTransitionTo(run.Status) {
		return apperrors.NewBadRequest(
			fmt.Sprintf("illegal sync run transition %s -> %s", current.Status, run.Status))
	}

	digest, err := json.Marshal(run.ErrorDigest)
	if err != nil {
		return fmt.Errorf("failed to encode error digest: %w", err)
	}
	recommendations, err := json.Marshal(run.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}

	query := `
		UPDATE sync_runs SET
			status = $2, progress = $3,
			total = $4, processed = $5, success = $6, failed = $7, skipped = $8,
			started_at = $9, ended_at = $10, duration_seconds = $11,
			error_digest = $12, recommendations = $13, updated_at = now()
		WHERE task_id = $1
	`
	_, err = r.db.Pool().Exec(ctx, query,
		run.TaskID, run.Status, run.Progress,
		run.Counters.Total, run.Counters.Processed, run.Counters.Success, run.Counters.Failed, run.Counters.Skipped,
		run.StartedAt, run.EndedAt, run.DurationSeconds,
		digest, recommendations,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run %s: %w", run.TaskID, err)
	}
	return nil
}

// RequestCancel stores the cooperative cancellation flag.
func (r *SyncRunRepository) RequestCancel(ctx context.Context, taskID string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE sync_runs SET cancel_requested = true, updated_at = now()
		 WHERE task_id = $1 AND status IN ('pending', 'running')`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel for %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewBadRequest("sync run is not cancellable")
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (r *SyncRunRepository) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var requested bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT cancel_requested FROM sync_runs WHERE task_id = $1`, taskID,
	).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.ErrNotFound.WithDetail("task_id", taskID)
		}
		return false, fmt.Errorf("failed to read cancel flag for %s: %w", taskID, err)
	}
	return requested, nil
}

// List returns recent sync runs, newest first.
func (r *SyncRunRepository) List(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanSyncRun(row pgx.Row) (*models.SyncRun, error) {
	var run models.SyncRun
	var digest, recommendations, filter []byte
	err := row.Scan(
		&run.TaskID, &run.TaskName, &run.OperationType, &run.SyncType, &run.Status, &run.Progress,
		&run.Counters.Total, &run.Counters.Processed, &run.Counters.Success, &run.Counters.Failed, &run.Counters.Skipped,
		&run.StartedAt, &run.EndedAt, &run.DurationSeconds,
		&digest, &recommendations, &filter, &run.RetryOf, &run.CancelRequested,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(digest) > 0 {
		if err := json.Unmarshal(digest, &run.ErrorDigest); err != nil {
			return nil, fmt.Errorf("bad error_digest: %w", err)
		}
	}
	if len(recommendations) > 0 {
		if err := json.Unmarshal(recommendations, &run.Recommendations); err != nil {
			return nil, fmt.Errorf("bad recommendations: %w", err)
		}
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &run.Filter); err != nil {
			return nil, fmt.Errorf("bad filter: %w", err)
		}
	}
	return &run, nil
}
