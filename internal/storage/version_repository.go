package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// VersionRepository stores the append-only version history of entities.
// Version numbers are assigned here so they stay dense per entity even
// under concurrent writers.
type VersionRepository struct {
	db *PostgresDB
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *PostgresDB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Append writes a new version row. The version number is computed
// inside the insert so concurrent appends for the same entity cannot
// leave gaps; the unique index makes the loser retry at the caller.
func (r *VersionRepository) Append(ctx context.Context, v *models.VersionRecord) error {
	diff, err := json.Marshal(v.Diff)
	if err != nil {
		return fmt.Errorf("failed to encode diff: %w", err)
	}

	query := `
		INSERT INTO entity_versions (
			entity_type, entity_id, version_no, change_kind,
			author, checksum, snapshot, diff, created_at
		)
		SELECT $1, $2,
			coalesce((SELECT max(version_no) FROM entity_versions WHERE entity_type = $1 AND entity_id = $2), 0) + 1,
			$3, $4, $5, $6, $7, now()
		RETURNING version_no
	`
	err = r.db.Pool().QueryRow(ctx, query,
		v.EntityType, v.EntityID, v.ChangeKind, v.Author, v.Checksum, v.Snapshot, diff,
	).Scan(&v.VersionNo)
	if err != nil {
		return fmt.Errorf("failed to append version for %s/%s: %w", v.EntityType, v.EntityID, err)
	}
	return nil
}

const versionColumns = `
	entity_type, entity_id, version_no, change_kind,
	author, checksum, snapshot, diff, created_at
`

// Latest returns the newest version for an entity, or nil when the
// entity has no history yet.
func (r *VersionRepository) Latest(ctx context.Context, entityType types.EntityType, entityID string) (*models.VersionRecord, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM entity_versions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version_no DESC
		LIMIT 1
	`
	v, err := scanVersion(r.db.Pool().QueryRow(ctx, query, entityType, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest version for %s/%s: %w", entityType, entityID, err)
	}
	return v, nil
}

// List returns the full history for an entity, oldest first.
func (r *VersionRepository) List(ctx context.Context, entityType types.EntityType, entityID string) ([]*models.VersionRecord, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM entity_versions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY version_no ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var out []*models.VersionRecord
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row pgx.Row) (*models.VersionRecord, error) {
	var v models.VersionRecord
	var diff []byte
	err := row.Scan(
		&v.EntityType, &v.EntityID, &v.VersionNo, &v.ChangeKind,
		&v.Author, &v.Checksum, &v.Snapshot, &diff, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &v.Diff); err != nil {
			return nil, fmt.Errorf("bad diff: %w", err)
		}
	}
	return &v, nil
}
