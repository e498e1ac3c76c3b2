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

// SupplierRepository handles supplier persistence.
type SupplierRepository struct {
	db *PostgresDB
}

// NewSupplierRepository creates a new supplier repository.
func NewSupplierRepository(db *PostgresDB) *SupplierRepository {
	return &SupplierRepository{db: db}
}

const supplierColumns = `
	source_id, name, company_name, contact, province, city,
	rating, response_rate, product_count, business_type, main_products,
	verified, verification_level, canonical_of, deleted, created_at, updated_at
`

// Upsert inserts or updates a supplier by source_id. product_count is
// derived elsewhere and deliberately not written here.
func (r *SupplierRepository) Upsert(ctx context.Context, s *models.Supplier) error {
	if s.SourceID == "" {
		return apperrors.NewValidationError("source_id", "source_id is required")
	}

	contact, err := json.Marshal(s.Contact)
	if err != nil {
		return fmt.Errorf("failed to encode contact: %w", err)
	}
	mainProducts, err := json.Marshal(s.MainProducts)
	if err != nil {
		return fmt.Errorf("failed to encode main products: %w", err)
	}

	query := `
		INSERT INTO suppliers (
			source_id, name, company_name, contact, province, city,
			rating, response_rate, business_type, main_products,
			verified, verification_level, canonical_of, deleted, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
		ON CONFLICT (source_id) DO UPDATE SET
			name = EXCLUDED.name,
			company_name = EXCLUDED.company_name,
			contact = EXCLUDED.contact,
			province = EXCLUDED.province,
			city = EXCLUDED.city,
			rating = EXCLUDED.rating,
			response_rate = EXCLUDED.response_rate,
			business_type = EXCLUDED.business_type,
			main_products = EXCLUDED.main_products,
			verified = EXCLUDED.verified,
			verification_level = EXCLUDED.verification_level,
			canonical_of = EXCLUDED.canonical_of,
			deleted = EXCLUDED.deleted,
			updated_at = now()
	`

	_, err = r.db.Pool().Exec(ctx, query,
		s.SourceID, s.Name, s.CompanyName, contact, s.Province, s.City,
		s.Rating, s.ResponseRate, s.BusinessType, mainProducts,
		s.Verified, s.VerificationLevel, nullableString(s.CanonicalOf), s.Deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert supplier %s: %w", s.SourceID, err)
	}
	return nil
}

// GetBySourceID retrieves a supplier by its source id.
func (r *SupplierRepository) GetBySourceID(ctx context.Context, sourceID string) (*models.Supplier, error) {
	query := `SELECT ` + supplierColumns + ` FROM suppliers WHERE source_id = $1`

	var s models.Supplier
	var contact, mainProducts []byte
	var canonicalOf *string

	err := r.db.Pool().QueryRow(ctx, query, sourceID).Scan(
		&s.SourceID, &s.Name, &s.CompanyName, &contact, &s.Province, &s.City,
		&s.Rating, &s.ResponseRate, &s.ProductCount, &s.BusinessType, &mainProducts,
		&s.Verified, &s.VerificationLevel, &canonicalOf, &s.Deleted, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound.WithDetail("source_id", sourceID)
		}
		return nil, fmt.Errorf("failed to get supplier %s: %w", sourceID, err)
	}

	if len(contact) > 0 {
		if err := json.Unmarshal(contact, &s.Contact); err != nil {
			return nil, fmt.Errorf("bad contact: %w", err)
		}
	}
	if len(mainProducts) > 0 {
		if err := json.Unmarshal(mainProducts, &s.MainProducts); err != nil {
			return nil, fmt.Errorf("bad main_products: %w", err)
		}
	}
	if canonicalOf != nil {
		s.CanonicalOf = *canonicalOf
	}
	return &s, nil
}

// SoftDelete tombstones a supplier.
func (r *SupplierRepository) SoftDelete(ctx context.Context, sourceID string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE suppliers SET deleted = true, updated_at = now() WHERE source_id = $1 AND deleted = false`,
		sourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete supplier %s: %w", sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound.WithDetail("source_id", sourceID)
	}
	return nil
}

// RefreshProductCounts recomputes derived product_count values in one
// statement.
func (r *SupplierRepository) RefreshProductCounts(ctx context.Context) error {
	query := `
		UPDATE suppliers s SET product_count = (
			SELECT count(*) FROM products p
			WHERE p.supplier_source_id = s.source_id AND p.deleted = false
		)
	`
	if _, err := r.db.Pool().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to refresh product counts: %w", err)
	}
	return nil
}
