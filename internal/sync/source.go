package sync

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/market-sync/internal/models"
)

// Source builds marketplace URLs from sync filters.
type Source struct {
	BaseURL string
}

// ListURL builds the product list URL for a filter and page number.
func (s *Source) ListURL(filter models.SourceFilter, page int) string {
	q := url.Values{}
	if filter.CategoryID != "" {
		q.Set("category", filter.CategoryID)
	}
	if filter.Keyword != "" {
		q.Set("keywords", filter.Keyword)
	}
	if filter.DateFrom != nil {
		q.Set("from", filter.DateFrom.Format("2006-01-02"))
	}
	if filter.DateTo != nil {
		q.Set("to", filter.DateTo.Format("2006-01-02"))
	}
	q.Set("beginPage", strconv.Itoa(page))
	return fmt.Sprintf("%s/list?%s", s.BaseURL, q.Encode())
}

// DetailURL builds a product detail URL from a source id.
func (s *Source) DetailURL(sourceID string) string {
	return fmt.Sprintf("%s/offer/%s", s.BaseURL, url.PathEscape(sourceID))
}

// SupplierListURL builds the supplier directory URL.
func (s *Source) SupplierListURL(filter models.SourceFilter, page int) string {
	q := url.Values{}
	if filter.Keyword != "" {
		q.Set("keywords", filter.Keyword)
	}
	q.Set("beginPage", strconv.Itoa(page))
	return fmt.Sprintf("%s/suppliers?%s", s.BaseURL, q.Encode())
}

// cursor is the opaque checkpoint payload of the page loop.
type cursor struct {
	Page    int    `json:"page"`
	NextURL string `json:"next_url,omitempty"`
}

func (c cursor) encode() []byte {
	raw, _ := json.Marshal(c)
	return raw
}

func decodeCursor(raw []byte) (cursor, error) {
	var c cursor
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return c, nil
}
