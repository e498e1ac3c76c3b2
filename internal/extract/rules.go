package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// RuleSet binds a page kind and source layout version to an apply
// function. A rule-set declares a match selector that must be present
// for it to claim a document; rule-sets are tried in order, newest
// layout first.
type RuleSet struct {
	Kind    types.PageKind
	Version string

	// MatchSelector must select at least one node for this rule-set
	// to apply.
	MatchSelector string

	apply func(doc *goquery.Document) (*Result, error)
}

func (rs *RuleSet) matches(doc *goquery.Document) bool {
	return doc.Find(rs.MatchSelector).Length() > 0
}

// defaultRuleSets returns the built-in rule tables. Selectors carry
// fallbacks because source layouts drift between rollouts.
func defaultRuleSets() []*RuleSet {
	return []*RuleSet{
		{
			Kind:          types.PageList,
			Version:       "list-v2",
			MatchSelector: ".offer-list .offer-item, .sm-offer-item",
			apply:         applyListPage,
		},
		{
			Kind:          types.PageDetail,
			Version:       "detail-v3",
			MatchSelector: ".d-title h1, .offer-title h1, .product-title h1",
			apply:         applyDetailPage,
		},
		{
			Kind:          types.PageSupplier,
			Version:       "supplier-v2",
			MatchSelector: ".company-info, .supplier-profile",
			apply:         applySupplierPage,
		},
	}
}

func applyListPage(doc *goquery.Document) (*Result, error) {
	page := &RawListPage{}

	doc.Find(".offer-list .offer-item, .sm-offer-item").Each(func(_ int, s *goquery.Selection) {
		item := RawListItem{
			SourceID:     strings.TrimSpace(s.AttrOr("data-offer-id", s.AttrOr("data-id", ""))),
			Title:        strings.TrimSpace(s.Find(".title, .offer-title").First().Text()),
			PriceText:    strings.TrimSpace(s.Find(".price, .offer-price").First().Text()),
			SupplierName: strings.TrimSpace(s.Find(".seller-name, .company-name").First().Text()),
		}
		if href, ok := s.Find("a").First().Attr("href"); ok {
			item.URL = strings.TrimSpace(href)
		}
		if item.SourceID != "" || item.URL != "" {
			page.Items = append(page.Items, item)
		}
	})

	if len(page.Items) == 0 {
		return nil, apperrors.ErrMalformed.WithDetail("reason", "no list items")
	}

	page.NextPageURL = firstAttr(doc, "href",
		".ui-page-next a", ".next-page a", ".pagination .next a")

	return &Result{Kind: types.PageList, List: page}, nil
}

func applyDetailPage(doc *goquery.Document) (*Result, error) {
	p := &RawProduct{
		SourceID: firstAttr(doc, "data-offer-id", "[data-offer-id]"),
		Title: firstText(doc,
			".d-title h1", ".d-title .title-text",
			".offer-title h1", ".offer-title .title",
			".product-title h1", "h1"),
		Subtitle:    firstText(doc, ".d-title .subtitle", ".offer-subtitle"),
		Description: firstText(doc, ".offer-description", ".detail-description", "#description"),
		PriceText: firstText(doc,
			".d-price .price", ".d-price .value",
			".offer-price .price", ".price-current .price", ".price"),
		MOQText:  firstText(doc, ".moq", ".min-order", ".obj-amount"),
		UnitText: firstText(doc, ".unit", ".price-unit"),
		SupplierSourceID: firstAttr(doc, "data-id",
			".d-seller .seller-name", ".seller-info", ".company-info"),
		SupplierName: firstText(doc, ".seller-name", ".company-name"),
		SalesText:    firstText(doc, ".sales-count", ".trade-count", ".bargain-count"),
		ReviewText:   firstText(doc, ".review-count", ".remark-count"),
		RatingText:   firstText(doc, ".rating", ".star-level"),
		CategoryID:   firstAttr(doc, "data-category-id", "[data-category-id]"),
		CategoryName: firstText(doc, ".breadcrumb .current", ".crumb-item:last-child"),
	}

	if p.Title == "" {
		return nil, apperrors.ErrMalformed.WithDetail("reason", "no title")
	}

	p.MainImageURL = firstAttr(doc, "src", ".main-image img", ".preview-image img", ".detail-gallery img")
	doc.Find(".detail-gallery img, .offer-images img, .desc-img img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			src = strings.TrimSpace(src)
			if src != "" && src != p.MainImageURL {
				p.DetailImageURLs = append(p.DetailImageURLs, src)
			}
		}
	})

	// Specification tables are label/value pairs
	p.Specifications = make(map[string]string)
	doc.Find(".obj-sku table tr, .spec-table tr, .offer-attr .attr-item").Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Find("th, .label, .attr-name").First().Text())
		value := strings.TrimSpace(s.Find("td, .value, .attr-value").First().Text())
		if label != "" && value != "" {
			p.Specifications[label] = value
		}
	})

	return &Result{Kind: types.PageDetail, Product: p}, nil
}

func applySupplierPage(doc *goquery.Document) (*Result, error) {
	s := &RawSupplier{
		SourceID:         firstAttr(doc, "data-id", ".company-info", ".supplier-profile"),
		Name:             firstText(doc, ".company-info .name", ".supplier-name"),
		CompanyName:      firstText(doc, ".company-info .company-name", ".company-title"),
		ContactPhone:     firstText(doc, ".contact .phone", ".contact-phone"),
		ContactEmail:     firstText(doc, ".contact .email", ".contact-email"),
		Location:         firstText(doc, ".company-info .location", ".address"),
		RatingText:       firstText(doc, ".company-rating", ".rating"),
		ResponseRateText: firstText(doc, ".response-rate"),
		BusinessTypeText: firstText(doc, ".business-type", ".company-type"),
		VerifiedText:     firstText(doc, ".verify-icon", ".verified-tag"),
	}

	if s.SourceID == "" && s.Name == "" {
		return nil, apperrors.ErrMalformed.WithDetail("reason", "no supplier identity")
	}

	doc.Find(".main-products .item, .main-products li").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			s.MainProducts = append(s.MainProducts, text)
		}
	})

	return &Result{Kind: types.PageSupplier, Supplier: s}, nil
}
