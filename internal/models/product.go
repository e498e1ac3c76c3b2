package models

import (
	"time"

	"github.com/market-sync/internal/types"
	"github.com/shopspring/decimal"
)

// Product is the canonical product record upserted by source_id.
// Invariants: PriceMin <= PriceMax, SupplierSourceID resolves to an
// existing non-deleted supplier.
type Product struct {
	ID               int64                  `json:"id"`
	SourceID         string                 `json:"source_id"`
	Title            string                 `json:"title"`
	Subtitle         string                 `json:"subtitle,omitempty"`
	Description      string                 `json:"description,omitempty"`
	PriceMin         decimal.Decimal        `json:"price_min"`
	PriceMax         decimal.Decimal        `json:"price_max"`
	Currency         string                 `json:"currency"`
	MOQ              int                    `json:"moq"`
	PriceUnit        string                 `json:"price_unit"`
	MainImageURL     string                 `json:"main_image_url,omitempty"`
	DetailImages     []string               `json:"detail_images,omitempty"`
	Specifications   map[string]string      `json:"specifications,omitempty"`
	SupplierSourceID string                 `json:"supplier_source_id"`
	SalesCount       int                    `json:"sales_count"`
	ReviewCount      int                    `json:"review_count"`
	Rating           float64                `json:"rating"`
	CategoryID       string                 `json:"category_id"`
	CategoryName     string                 `json:"category_name"`
	Status           types.ProductStatus    `json:"status"`
	SyncStatus       types.EntitySyncStatus `json:"sync_status"`
	CanonicalOf      string                 `json:"canonical_of,omitempty"`
	Deleted          bool                   `json:"deleted"`
	LastSyncTime     time.Time              `json:"last_sync_time"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// ProductFilters narrows product list queries.
type ProductFilters struct {
	Text       string
	CategoryID string
	SupplierID string
	Status     *types.ProductStatus
	SyncStatus *types.EntitySyncStatus
	PriceMin   *decimal.Decimal
	PriceMax   *decimal.Decimal
	RatingMin  *float64
	Limit      int
	Offset     int
}
