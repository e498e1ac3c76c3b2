package extract

import (
	"bytes"
	"errors"
	"testing"

	"github.com/PuerkitoBio/goquery"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listHTML = `<html><body>
<div class="offer-list">
  <div class="offer-item" data-offer-id="1001">
    <a href="https://example.com/offer/1001.html"></a>
    <div class="title">红苹果 500g</div>
    <div class="price">¥12.50</div>
    <div class="seller-name">山东果业</div>
  </div>
  <div class="offer-item" data-offer-id="1002">
    <a href="https://example.com/offer/1002.html"></a>
    <div class="title">绿苹果 1kg</div>
    <div class="price">¥20.00 - ¥25.00</div>
    <div class="seller-name">陕西果园</div>
  </div>
</div>
<div class="ui-page-next"><a href="https://example.com/list?page=2"></a></div>
</body></html>`

const detailHTML = `<html><body>
<div data-offer-id="1001"></div>
<div class="d-title"><h1>红苹果 500g 新鲜直达</h1><div class="subtitle">产地直供</div></div>
<div class="d-price"><span class="price">¥12.50 - ¥15.00</span></div>
<div class="moq">10 起</div>
<div class="unit">个</div>
<div class="d-seller"><span class="seller-name" data-id="S-88">山东果业</span></div>
<div class="sales-count">1200</div>
<div class="main-image"><img src="https://img.example.com/main.jpg"></div>
<div class="detail-gallery">
  <img src="https://img.example.com/main.jpg">
  <img src="https://img.example.com/1.jpg">
  <img src="https://img.example.com/2.jpg">
</div>
<table class="spec-table">
  <tr><th>产地</th><td>山东烟台</td></tr>
  <tr><th>规格</th><td>500g/袋</td></tr>
</table>
</body></html>`

const supplierHTML = `<html><body>
<div class="company-info" data-id="S-88">
  <div class="name">山东果业</div>
  <div class="company-name">山东果业有限公司</div>
  <div class="location">山东 烟台</div>
</div>
<div class="response-rate">98%</div>
<div class="verify-icon">已认证</div>
<ul class="main-products"><li>苹果</li><li>梨</li></ul>
</body></html>`

func TestExtractListPage(t *testing.T) {
	e := NewExtractor()
	result, err := e.Extract([]byte(listHTML), types.PageList)
	require.NoError(t, err)
	require.NotNil(t, result.List)

	assert.Len(t, result.List.Items, 2)
	assert.Equal(t, "1001", result.List.Items[0].SourceID)
	assert.Equal(t, "红苹果 500g", result.List.Items[0].Title)
	assert.Equal(t, "¥12.50", result.List.Items[0].PriceText)
	assert.Equal(t, "https://example.com/list?page=2", result.List.NextPageURL)
	assert.Equal(t, "list-v2", result.RuleVersion)
}

func TestExtractDetailPage(t *testing.T) {
	e := NewExtractor()
	result, err := e.Extract([]byte(detailHTML), types.PageDetail)
	require.NoError(t, err)
	require.NotNil(t, result.Product)

	p := result.Product
	assert.Equal(t, "1001", p.SourceID)
	assert.Equal(t, "红苹果 500g 新鲜直达", p.Title)
	assert.Equal(t, "¥12.50 - ¥15.00", p.PriceText)
	assert.Equal(t, "10 起", p.MOQText)
	assert.Equal(t, "S-88", p.SupplierSourceID)
	assert.Equal(t, "https://img.example.com/main.jpg", p.MainImageURL)
	assert.Equal(t, []string{"https://img.example.com/1.jpg", "https://img.example.com/2.jpg"}, p.DetailImageURLs)
	assert.Equal(t, "山东烟台", p.Specifications["产地"])
}

func TestExtractSupplierPage(t *testing.T) {
	e := NewExtractor()
	result, err := e.Extract([]byte(supplierHTML), types.PageSupplier)
	require.NoError(t, err)
	require.NotNil(t, result.Supplier)

	s := result.Supplier
	assert.Equal(t, "S-88", s.SourceID)
	assert.Equal(t, "山东果业", s.Name)
	assert.Equal(t, "98%", s.ResponseRateText)
	assert.Equal(t, []string{"苹果", "梨"}, s.MainProducts)
}

func TestExtractUnknownLayoutReturnsFingerprint(t *testing.T) {
	e := NewExtractor()
	_, err := e.Extract([]byte(`<html><body><div class="brand-new-layout">x</div></body></html>`), types.PageDetail)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMalformed))

	te, ok := apperrors.As(err)
	require.True(t, ok)
	assert.NotEmpty(t, te.Details["fingerprint"])
}

func TestFingerprintStableAcrossText(t *testing.T) {
	a, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(`<html><body><div class="x"><p>one</p></div></body></html>`)))
	require.NoError(t, err)
	b, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(`<html><body><div class="x"><p>two</p></div></body></html>`)))
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
