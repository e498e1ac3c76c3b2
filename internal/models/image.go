package models

import (
	"time"

	"github.com/market-sync/internal/types"
)

// ProductImage references a stored image object for a product.
// Exactly one main image exists per product; (product, kind, order)
// is unique.
type ProductImage struct {
	ID              int64           `json:"id"`
	ProductSourceID string          `json:"product_source_id"`
	URL             string          `json:"url"`
	Kind            types.ImageKind `json:"kind"`
	OrderIndex      int             `json:"order_index"`
	AltText         string          `json:"alt_text,omitempty"`
	ObjectKey       string          `json:"object_key,omitempty"`
	FileSize        int64           `json:"file_size"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
