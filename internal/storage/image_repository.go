package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/market-sync/internal/models"
)

// ImageRepository handles product image rows. The image bytes live in
// the content-addressed object store; rows reference the object key.
type ImageRepository struct {
	db *PostgresDB
}

// NewImageRepository creates a new image repository.
func NewImageRepository(db *PostgresDB) *ImageRepository {
	return &ImageRepository{db: db}
}

// Upsert inserts or updates an image row keyed by (product, kind, order).
func (r *ImageRepository) Upsert(ctx context.Context, img *models.ProductImage) error {
	query := `
		INSERT INTO product_images (
			product_source_id, url, kind, order_index, alt_text,
			object_key, file_size, width, height, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		ON CONFLICT (product_source_id, kind, order_index) DO UPDATE SET
			url = EXCLUDED.url,
			alt_text = EXCLUDED.alt_text,
			object_key = EXCLUDED.object_key,
			file_size = EXCLUDED.file_size,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			updated_at = now()
	`
	_, err := r.db.Pool().Exec(ctx, query,
		img.ProductSourceID, img.URL, img.Kind, img.OrderIndex, img.AltText,
		nullableString(img.ObjectKey), img.FileSize, img.Width, img.Height,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert image for %s: %w", img.ProductSourceID, err)
	}
	return nil
}

// ListByProduct returns all image rows for a product ordered by kind
// and order index.
func (r *ImageRepository) ListByProduct(ctx context.Context, productSourceID string) ([]*models.ProductImage, error) {
	query := `
		SELECT product_source_id, url, kind, order_index, alt_text,
			   coalesce(object_key, ''), file_size, width, height, created_at, updated_at
		FROM product_images
		WHERE product_source_id = $1
		ORDER BY kind, order_index
	`
	rows, err := r.db.Pool().Query(ctx, query, productSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images for %s: %w", productSourceID, err)
	}
	defer rows.Close()

	var out []*models.ProductImage
	for rows.Next() {
		var img models.ProductImage
		if err := rows.Scan(
			&img.ProductSourceID, &img.URL, &img.Kind, &img.OrderIndex, &img.AltText,
			&img.ObjectKey, &img.FileSize, &img.Width, &img.Height, &img.CreatedAt, &img.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

// DeleteOrphans removes image rows whose URL is no longer referenced
// by the owning product's current detail images or main image.
func (r *ImageRepository) DeleteOrphans(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		DELETE FROM product_images pi
		USING products p
		WHERE pi.product_source_id = p.source_id
		  AND pi.updated_at < $1
		  AND pi.url <> p.main_image_url
		  AND NOT p.detail_images::jsonb ? pi.url
	`
	tag, err := r.db.Pool().Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan images: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
