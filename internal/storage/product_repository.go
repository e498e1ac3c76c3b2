package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
	"github.com/shopspring/decimal"
)

// ProductRepository handles product persistence.
type ProductRepository struct {
	db *PostgresDB
}

// NewProductRepository creates a new product repository.
func NewProductRepository(db *PostgresDB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `
	source_id, title, subtitle, description,
	price_min::text, price_max::text, currency, moq, price_unit,
	main_image_url, detail_images, specifications,
	supplier_source_id, sales_count, review_count, rating,
	category_id, category_name, status, sync_status,
	canonical_of, deleted, last_sync_time, created_at, updated_at
`

// Upsert inserts or updates a product by source_id. created_at is
// preserved on update; updated_at is set to now() on every call, so
// unchanged content goes through TouchSync instead.
func (r *ProductRepository) Upsert(ctx context.Context, p *models.Product) error {
	if p.SourceID == "" {
		return apperrors.NewValidationError("source_id", "source_id is required")
	}

	detailImages, err := json.Marshal(p.DetailImages)
	if err != nil {
		return fmt.Errorf("failed to encode detail images: %w", err)
	}
	specs, err := json.Marshal(p.Specifications)
	if err != nil {
		return fmt.Errorf("failed to encode specifications: %w", err)
	}

	query := `
		INSERT INTO products (
			source_id, title, subtitle, description,
			price_min, price_max, currency, moq, price_unit,
			main_image_url, detail_images, specifications,
			supplier_source_id, sales_count, review_count, rating,
			category_id, category_name, status, sync_status,
			canonical_of, deleted, last_sync_time, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,now(),now())
		ON CONFLICT (source_id) DO UPDATE SET
			title = EXCLUDED.title,
			subtitle = EXCLUDED.subtitle,
			description = EXCLUDED.description,
			price_min = EXCLUDED.price_min,
			price_max = EXCLUDED.price_max,
			currency = EXCLUDED.currency,
			moq = EXCLUDED.moq,
			price_unit = EXCLUDED.price_unit,
			main_image_url = EXCLUDED.main_image_url,
			detail_images = EXCLUDED.detail_images,
			specifications = EXCLUDED.specifications,
			supplier_source_id = EXCLUDED.supplier_source_id,
			sales_count = EXCLUDED.sales_count,
			review_count = EXCLUDED.review_count,
			rating = EXCLUDED.rating,
			category_id = EXCLUDED.category_id,
			category_name = EXCLUDED.category_name,
			status = EXCLUDED.status,
			sync_status = EXCLUDED.sync_status,
			canonical_of = EXCLUDED.canonical_of,
			deleted = EXCLUDED.deleted,
			last_sync_time = EXCLUDED.last_sync_time,
			updated_at = now()
	`

	_, err = r.db.Pool().Exec(ctx, query,
		p.SourceID, p.Title, p.Subtitle, p.Description,
		p.PriceMin.String(), p.PriceMax.String(), p.Currency, p.MOQ, p.PriceUnit,
		p.MainImageURL, detailImages, specs,
		p.SupplierSourceID, p.SalesCount, p.ReviewCount, p.Rating,
		p.CategoryID, p.CategoryName, p.Status, p.SyncStatus,
		nullableString(p.CanonicalOf), p.Deleted, p.LastSyncTime,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.SourceID, err)
	}
	return nil
}

// GetBySourceID retrieves a product by its source id.
func (r *ProductRepository) GetBySourceID(ctx context.Context, sourceID string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE source_id = $1`

	row := r.db.Pool().QueryRow(ctx, query, sourceID)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound.WithDetail("source_id", sourceID)
		}
		return nil, fmt.Errorf("failed to get product %s: %w", sourceID, err)
	}
	return p, nil
}

// List returns products matching the filters plus the unpaged total.
func (r *ProductRepository) List(ctx context.Context, f *models.ProductFilters) ([]*models.Product, int, error) {
	where := []string{"deleted = false"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Text != "" {
		p := arg("%" + f.Text + "%")
		where = append(where, fmt.Sprintf("(title ILIKE %s OR description ILIKE %s)", p, p))
	}
	if f.CategoryID != "" {
		where = append(where, "category_id = "+arg(f.CategoryID))
	}
	if f.SupplierID != "" {
		where = append(where, "supplier_source_id = "+arg(f.SupplierID))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(*f.Status))
	}
	if f.SyncStatus != nil {
		where = append(where, "sync_status = "+arg(*f.SyncStatus))
	}
	if f.PriceMin != nil {
		where = append(where, "price_min >= "+arg(f.PriceMin.String()))
	}
	if f.PriceMax != nil {
		where = append(where, "price_max <= "+arg(f.PriceMax.String()))
	}
	if f.RatingMin != nil {
		where = append(where, "rating >= "+arg(*f.RatingMin))
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT count(*) FROM products WHERE " + whereClause
	if err := r.db.Pool().QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := fmt.Sprintf(
		"SELECT %s FROM products WHERE %s ORDER BY updated_at DESC LIMIT %s OFFSET %s",
		productColumns, whereClause, arg(limit), arg(f.Offset),
	)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// SoftDelete tombstones a product.
func (r *ProductRepository) SoftDelete(ctx context.Context, sourceID string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE products SET deleted = true, updated_at = now() WHERE source_id = $1 AND deleted = false`,
		sourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete product %s: %w", sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound.WithDetail("source_id", sourceID)
	}
	return nil
}

// TouchSync updates last_sync_time and sync_status without bumping
// updated_at, so unchanged content keeps its modification timestamp.
func (r *ProductRepository) TouchSync(ctx context.Context, sourceID string, at time.Time, status types.EntitySyncStatus) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE products SET last_sync_time = $2, sync_status = $3 WHERE source_id = $1`,
		sourceID, at, status,
	)
	if err != nil {
		return fmt.Errorf("failed to touch product sync %s: %w", sourceID, err)
	}
	return nil
}

// CountBySupplier returns non-deleted product counts per supplier,
// used to derive supplier.product_count.
func (r *ProductRepository) CountBySupplier(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT supplier_source_id, count(*) FROM products WHERE deleted = false GROUP BY supplier_source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count products by supplier: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// scanProduct reads one product row in productColumns order.
func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	var priceMin, priceMax string
	var detailImages, specs []byte
	var canonicalOf *string

	err := row.Scan(
		&p.SourceID, &p.Title, &p.Subtitle, &p.Description,
		&priceMin, &priceMax, &p.Currency, &p.MOQ, &p.PriceUnit,
		&p.MainImageURL, &detailImages, &specs,
		&p.SupplierSourceID, &p.SalesCount, &p.ReviewCount, &p.Rating,
		&p.CategoryID, &p.CategoryName, &p.Status, &p.SyncStatus,
		&canonicalOf, &p.Deleted, &p.LastSyncTime, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.PriceMin, err = decimal.NewFromString(priceMin); err != nil {
		return nil, fmt.Errorf("bad price_min %q: %w", priceMin, err)
	}
	if p.PriceMax, err = decimal.NewFromString(priceMax); err != nil {
		return nil, fmt.Errorf("bad price_max %q: %w", priceMax, err)
	}
	if len(detailImages) > 0 {
		if err := json.Unmarshal(detailImages, &p.DetailImages); err != nil {
			return nil, fmt.Errorf("bad detail_images: %w", err)
		}
	}
	if len(specs) > 0 {
		if err := json.Unmarshal(specs, &p.Specifications); err != nil {
			return nil, fmt.Errorf("bad specifications: %w", err)
		}
	}
	if canonicalOf != nil {
		p.CanonicalOf = *canonicalOf
	}
	return &p, nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
