// Package extract maps fetched responses to raw records using
// versioned selector rule-sets. No network I/O happens here.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/PuerkitoBio/goquery"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// RawListItem is one entry on a list page, before cleaning.
type RawListItem struct {
	SourceID     string
	URL          string
	Title        string
	PriceText    string
	SupplierName string
}

// RawListPage is the extraction result for a list page.
type RawListPage struct {
	Items       []RawListItem
	NextPageURL string
}

// RawProduct is a detail page extraction result. All values are
// source text; the cleaner parses and normalizes them.
type RawProduct struct {
	SourceID         string
	Title            string
	Subtitle         string
	Description      string
	PriceText        string
	MOQText          string
	UnitText         string
	MainImageURL     string
	DetailImageURLs  []string
	Specifications   map[string]string
	SupplierSourceID string
	SupplierName     string
	SalesText        string
	ReviewText       string
	RatingText       string
	CategoryID       string
	CategoryName     string
	SourceURL        string
}

// RawSupplier is a supplier page extraction result.
type RawSupplier struct {
	SourceID         string
	Name             string
	CompanyName      string
	ContactPhone     string
	ContactEmail     string
	Location         string
	RatingText       string
	ResponseRateText string
	BusinessTypeText string
	MainProducts     []string
	VerifiedText     string
}

// Result wraps the kind-specific payloads.
type Result struct {
	Kind     types.PageKind
	List     *RawListPage
	Product  *RawProduct
	Supplier *RawSupplier

	// RuleVersion is the rule-set tag that matched.
	RuleVersion string
}

// Extractor applies rule-sets to responses.
type Extractor struct {
	rules []*RuleSet
}

// NewExtractor creates an extractor with the default rule-sets.
func NewExtractor() *Extractor {
	return &Extractor{rules: defaultRuleSets()}
}

// Extract parses the response body for the given page kind. When no
// rule-set matches the layout, ErrMalformed is returned carrying the
// layout fingerprint for offline rule updates.
func (e *Extractor) Extract(body []byte, kind types.PageKind) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.ErrMalformed.WithCause(err)
	}

	for _, rs := range e.rules {
		if rs.Kind != kind {
			continue
		}
		if !rs.matches(doc) {
			continue
		}
		result, err := rs.apply(doc)
		if err != nil {
			continue
		}
		result.RuleVersion = rs.Version
		return result, nil
	}

	return nil, apperrors.ErrMalformed.
		WithDetail("kind", string(kind)).
		WithDetail("fingerprint", Fingerprint(doc))
}

// Fingerprint hashes the structural skeleton of a document: the tag
// and class names of the first 200 elements under body, in document
// order. Two pages with the
// same layout produce the same fingerprint even with different text.
func Fingerprint(doc *goquery.Document) string {
	var sb strings.Builder
	doc.Find("body *").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= 200 {
			return false
		}
		sb.WriteString(goquery.NodeName(s))
		if class, ok := s.Attr("class"); ok {
			sb.WriteByte('.')
			sb.WriteString(class)
		}
		sb.WriteByte(';')
		return true
	})
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}

// firstText returns the first non-empty trimmed text among candidate
// selectors, mirroring how source layouts drift between page versions.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// firstAttr returns the first non-empty attribute among candidates.
func firstAttr(doc *goquery.Document, attr string, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}
