package models

import (
	"time"

	"github.com/market-sync/internal/types"
)

// Supplier is the canonical supplier record upserted by source_id.
// SourceID is immutable and unique among non-deleted rows.
// ProductCount is derived from product rows and never authored.
type Supplier struct {
	ID                int64              `json:"id"`
	SourceID          string             `json:"source_id"`
	Name              string             `json:"name"`
	CompanyName       string             `json:"company_name"`
	Contact           map[string]string  `json:"contact,omitempty"`
	Province          string             `json:"province"`
	City              string             `json:"city"`
	Rating            float64            `json:"rating"`
	ResponseRate      float64            `json:"response_rate"`
	ProductCount      int                `json:"product_count"`
	BusinessType      types.BusinessType `json:"business_type"`
	MainProducts      []string           `json:"main_products,omitempty"`
	Verified          bool               `json:"verified"`
	VerificationLevel int                `json:"verification_level"`
	CanonicalOf       string             `json:"canonical_of,omitempty"`
	Deleted           bool               `json:"deleted"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
