// Package validate applies per-entity rule sets and produces
// severity-graded diagnostics. An error-severity diagnostic blocks
// persistence of the record.
package validate

import (
	"fmt"
	"unicode/utf8"

	playground "github.com/go-playground/validator/v10"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// Diagnostic is one finding about a record field.
type Diagnostic struct {
	Field    string         `json:"field"`
	Severity types.Severity `json:"severity"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
}

// Result is the outcome of validating one record.
type Result struct {
	Diagnostics []Diagnostic
}

// Blocked reports whether any diagnostic has error severity.
func (r Result) Blocked() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == types.SeverityError {
			return true
		}
	}
	return false
}

// Warnings returns the non-blocking diagnostics.
func (r Result) Warnings() []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity != types.SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func (r *Result) add(field string, severity types.Severity, code, message string) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{
		Field: field, Severity: severity, Code: code, Message: message,
	})
}

// Limits configure the numeric and length rules. Zero values fall
// back to defaults.
type Limits struct {
	MaxTitleLen       int
	MaxDescriptionLen int
	MaxNameLen        int
	MaxDetailImages   int
}

func (l Limits) withDefaults() Limits {
	if l.MaxTitleLen == 0 {
		l.MaxTitleLen = 512
	}
	if l.MaxDescriptionLen == 0 {
		l.MaxDescriptionLen = 20000
	}
	if l.MaxNameLen == 0 {
		l.MaxNameLen = 256
	}
	if l.MaxDetailImages == 0 {
		l.MaxDetailImages = 50
	}
	return l
}

// Validator validates canonical records before persistence.
type Validator struct {
	formats *playground.Validate
	limits  Limits
}

// New creates a validator with the given limits.
func New(limits Limits) *Validator {
	return &Validator{
		formats: playground.New(),
		limits:  limits.withDefaults(),
	}
}

// validURL checks format rules via the validator tag engine.
func (v *Validator) validURL(raw string) bool {
	return v.formats.Var(raw, "url") == nil
}

func (v *Validator) validEmail(raw string) bool {
	return v.formats.Var(raw, "email") == nil
}

// Product applies the product rule set.
func (v *Validator) Product(p *models.Product) Result {
	var r Result

	// Required fields
	if p.SourceID == "" {
		r.add("source_id", types.SeverityError, "REQUIRED", "source_id is required")
	}
	if p.Title == "" {
		r.add("title", types.SeverityError, "REQUIRED", "title is required")
	}
	if p.SupplierSourceID == "" {
		r.add("supplier_source_id", types.SeverityError, "REQUIRED", "supplier reference is required")
	}

	// Lengths
	if utf8.RuneCountInString(p.Title) > v.limits.MaxTitleLen {
		r.add("title", types.SeverityError, "TOO_LONG",
			fmt.Sprintf("title exceeds %d characters", v.limits.MaxTitleLen))
	}
	if utf8.RuneCountInString(p.Description) > v.limits.MaxDescriptionLen {
		r.add("description", types.SeverityWarning, "TOO_LONG", "description truncation recommended")
	}

	// Numeric ranges and cross-field rules
	if p.PriceMin.IsNegative() || p.PriceMax.IsNegative() {
		r.add("price_min", types.SeverityError, "NEGATIVE_PRICE", "prices cannot be negative")
	}
	if p.PriceMin.GreaterThan(p.PriceMax) {
		r.add("price_min", types.SeverityError, "PRICE_RANGE", "price_min exceeds price_max")
	}
	if p.PriceMin.IsZero() && p.PriceMax.IsZero() {
		r.add("price_min", types.SeverityWarning, "ZERO_PRICE", "no usable price was extracted")
	}
	if p.MOQ < 1 {
		r.add("moq", types.SeverityError, "RANGE", "moq must be at least 1")
	}
	if p.Rating < 0 || p.Rating > 5 {
		r.add("rating", types.SeverityError, "RANGE", "rating must be within [0, 5]")
	}

	// Formats
	if p.MainImageURL != "" && !v.validURL(p.MainImageURL) {
		r.add("main_image_url", types.SeverityWarning, "BAD_URL", "main image URL is not a valid URL")
	}
	for i, u := range p.DetailImages {
		if !v.validURL(u) {
			r.add(fmt.Sprintf("detail_images[%d]", i), types.SeverityWarning, "BAD_URL", "detail image URL is not a valid URL")
		}
	}
	if len(p.DetailImages) > v.limits.MaxDetailImages {
		r.add("detail_images", types.SeverityInfo, "MANY_IMAGES",
			fmt.Sprintf("more than %d detail images", v.limits.MaxDetailImages))
	}

	return r
}

// SupplierRef applies the referential rule: a product's supplier
// reference must resolve to an existing, non-deleted supplier. The
// caller resolves the reference; a nil supplier means no row exists.
func (v *Validator) SupplierRef(p *models.Product, supplier *models.Supplier) Result {
	var r Result
	switch {
	case supplier == nil:
		r.add("supplier_source_id", types.SeverityError, "REF_MISSING",
			fmt.Sprintf("supplier %s does not exist", p.SupplierSourceID))
	case supplier.Deleted:
		r.add("supplier_source_id", types.SeverityError, "REF_DELETED",
			fmt.Sprintf("supplier %s is deleted", p.SupplierSourceID))
	}
	return r
}

// Supplier applies the supplier rule set.
func (v *Validator) Supplier(s *models.Supplier) Result {
	var r Result

	if s.SourceID == "" {
		r.add("source_id", types.SeverityError, "REQUIRED", "source_id is required")
	}
	if s.Name == "" && s.CompanyName == "" {
		r.add("name", types.SeverityError, "REQUIRED", "name or company_name is required")
	}
	if utf8.RuneCountInString(s.Name) > v.limits.MaxNameLen {
		r.add("name", types.SeverityError, "TOO_LONG",
			fmt.Sprintf("name exceeds %d characters", v.limits.MaxNameLen))
	}

	if s.Rating < 0 || s.Rating > 5 {
		r.add("rating", types.SeverityError, "RANGE", "rating must be within [0, 5]")
	}
	if s.ResponseRate < 0 || s.ResponseRate > 1 {
		r.add("response_rate", types.SeverityError, "RANGE", "response_rate must be within [0, 1]")
	}

	switch s.BusinessType {
	case types.BusinessManufacturer, types.BusinessTrader, types.BusinessIndividual:
	default:
		r.add("business_type", types.SeverityError, "ENUM", "unknown business type")
	}

	if email, ok := s.Contact["email"]; ok && !v.validEmail(email) {
		r.add("contact.email", types.SeverityWarning, "BAD_EMAIL", "contact email is not a valid address")
	}

	return r
}
