package clean

import (
	"strings"
	"time"

	"github.com/market-sync/internal/extract"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// Product converts a raw detail-page extraction into a canonical
// product record. Parse failures on individual fields fall back to
// defaults; the validator decides whether the record is acceptable.
func Product(raw *extract.RawProduct) *models.Product {
	p := &models.Product{
		SourceID:         Text(raw.SourceID),
		Title:            Text(raw.Title),
		Subtitle:         Text(raw.Subtitle),
		Description:      Text(raw.Description),
		Currency:         "CNY",
		MOQ:              MOQ(raw.MOQText),
		PriceUnit:        UnitPiece,
		MainImageURL:     URL(raw.MainImageURL),
		SupplierSourceID: Text(raw.SupplierSourceID),
		SalesCount:       Count(raw.SalesText),
		ReviewCount:      Count(raw.ReviewText),
		Rating:           Rating(raw.RatingText),
		CategoryID:       Text(raw.CategoryID),
		CategoryName:     Text(raw.CategoryName),
		Status:           types.ProductActive,
		SyncStatus:       types.SyncStatusPending,
		LastSyncTime:     time.Now().UTC(),
	}

	if pr, err := Price(raw.PriceText); err == nil {
		p.PriceMin = pr.Min
		p.PriceMax = pr.Max
		p.Currency = pr.Currency
		if pr.Unit != "" {
			p.PriceUnit = pr.Unit
		}
	}
	if raw.UnitText != "" {
		p.PriceUnit = Unit(raw.UnitText)
	}

	seen := make(map[string]bool)
	for _, u := range raw.DetailImageURLs {
		cleaned := URL(u)
		if cleaned != "" && !seen[cleaned] {
			seen[cleaned] = true
			p.DetailImages = append(p.DetailImages, cleaned)
		}
	}

	if len(raw.Specifications) > 0 {
		p.Specifications = make(map[string]string, len(raw.Specifications))
		for k, v := range raw.Specifications {
			key := Text(k)
			value := Text(v)
			if key != "" && value != "" {
				p.Specifications[key] = value
			}
		}
	}

	return p
}

// Supplier converts a raw supplier-page extraction into a canonical
// supplier record.
func Supplier(raw *extract.RawSupplier) *models.Supplier {
	s := &models.Supplier{
		SourceID:     Text(raw.SourceID),
		Name:         Text(raw.Name),
		CompanyName:  Text(raw.CompanyName),
		Rating:       Rating(raw.RatingText),
		ResponseRate: Percent(raw.ResponseRateText),
		BusinessType: businessType(raw.BusinessTypeText),
		Verified:     Text(raw.VerifiedText) != "",
	}

	contact := make(map[string]string)
	if phone := Text(raw.ContactPhone); phone != "" {
		contact["phone"] = phone
	}
	if email := Text(raw.ContactEmail); email != "" {
		contact["email"] = strings.ToLower(email)
	}
	if len(contact) > 0 {
		s.Contact = contact
	}

	if loc := Text(raw.Location); loc != "" {
		parts := strings.Fields(loc)
		s.Province = parts[0]
		if len(parts) > 1 {
			s.City = parts[1]
		}
	}

	for _, mp := range raw.MainProducts {
		if cleaned := Text(mp); cleaned != "" {
			s.MainProducts = append(s.MainProducts, cleaned)
		}
	}

	return s
}

// businessType maps source spellings to the canonical enum.
func businessType(text string) types.BusinessType {
	switch Text(text) {
	case "生产厂家", "工厂", "manufacturer":
		return types.BusinessManufacturer
	case "个人", "individual":
		return types.BusinessIndividual
	default:
		return types.BusinessTrader
	}
}
