package dedup

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/market-sync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func product(id, title, supplier string, priceMin float64, sales int, created time.Time) *models.Product {
	return &models.Product{
		SourceID:         id,
		Title:            title,
		SupplierSourceID: supplier,
		PriceMin:         decimal.NewFromFloat(priceMin),
		PriceMax:         decimal.NewFromFloat(priceMin),
		MOQ:              10,
		SalesCount:       sales,
		CreatedAt:        created,
	}
}

func TestSpacingVariantsGroupTogether(t *testing.T) {
	suppliers := map[string]*models.Supplier{
		"S-A": {SourceID: "S-A", Verified: true},
		"S-B": {SourceID: "S-B", Verified: false},
		"S-C": {SourceID: "S-C", Verified: true},
	}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := product("A", "红苹果 500g", "S-A", 12.5, 100, t0)
	b := product("B", "红苹果500g", "S-B", 12.5, 300, t0.Add(time.Hour))
	c := product("C", "红苹果  500g", "S-C", 12.5, 500, t0.Add(2*time.Hour))

	d := New(suppliers)
	groups := d.Products([]*models.Product{a, b, c})
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 3)

	// Verified + higher sales wins over earlier creation
	assert.Equal(t, "C", groups[0].Master.SourceID)

	changed := Assign(groups)
	assert.Equal(t, "C", a.CanonicalOf)
	assert.Equal(t, "C", b.CanonicalOf)
	assert.Empty(t, c.CanonicalOf)
	assert.Len(t, changed, 2)
}

func TestExactSourceIDAlwaysGroups(t *testing.T) {
	t0 := time.Now()
	a := product("X", "完全不同的商品甲", "S-1", 10, 0, t0)
	b := product("X", "another thing entirely", "S-2", 999, 0, t0)

	d := New(nil)
	groups := d.Products([]*models.Product{a, b})
	require.Len(t, groups, 1)
}

func TestDistinctProductsStaySeparate(t *testing.T) {
	t0 := time.Now()
	a := product("A", "不锈钢水壶 2L", "S-1", 45, 0, t0)
	b := product("B", "儿童羽绒服 冬季新款", "S-2", 199, 0, t0)

	d := New(nil)
	groups := d.Products([]*models.Product{a, b})
	assert.Len(t, groups, 2)
}

func TestMasterTieBreaks(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Same verified state and sales; earlier created_at wins
	a := product("B-late", "保温杯 316不锈钢", "S-1", 30, 10, t0.Add(time.Hour))
	b := product("A-early", "保温杯316不锈钢", "S-1", 30, 10, t0)

	d := New(nil)
	groups := d.Products([]*models.Product{a, b})
	require.Len(t, groups, 1)
	assert.Equal(t, "A-early", groups[0].Master.SourceID)

	// Full tie falls back to lexicographic source_id
	c := product("B2", "保温杯 316不锈钢", "S-1", 30, 10, t0)
	e := product("A2", "保温杯316不锈钢", "S-1", 30, 10, t0)
	groups = d.Products([]*models.Product{c, e})
	require.Len(t, groups, 1)
	assert.Equal(t, "A2", groups[0].Master.SourceID)
}

func TestSimilarityWeights(t *testing.T) {
	t0 := time.Now()
	d := New(nil)

	same := d.Similarity(
		product("A", "红苹果 500g", "S-1", 12.5, 0, t0),
		product("B", "红苹果500g", "S-1", 12.5, 0, t0),
	)
	assert.InDelta(t, 1.0, same, 1e-9)

	// The same listing re-published by another supplier: the weights
	// renormalize over the comparable fields, so the pair still clears
	// the threshold
	crossSupplier := d.Similarity(
		product("A", "红苹果 500g", "S-1", 12.5, 0, t0),
		product("B", "红苹果500g", "S-2", 12.5, 0, t0),
	)
	assert.InDelta(t, 1.0, crossSupplier, 1e-9)
	assert.GreaterOrEqual(t, crossSupplier, DefaultThreshold)

	// With near-miss titles, a shared supplier lifts the score above
	// the cross-supplier pair
	sharedNearMiss := d.Similarity(
		product("A", "保温杯 316不锈钢", "S-1", 30, 0, t0),
		product("B", "保温杯 304不锈钢", "S-1", 30, 0, t0),
	)
	crossNearMiss := d.Similarity(
		product("A", "保温杯 316不锈钢", "S-1", 30, 0, t0),
		product("B", "保温杯 304不锈钢", "S-2", 30, 0, t0),
	)
	assert.Greater(t, sharedNearMiss, crossNearMiss)
}

func TestDedupIsStable(t *testing.T) {
	properties := gopter.NewProperties(nil)

	titles := []string{"红苹果 500g", "红苹果500g", "绿苹果 1kg", "不锈钢水壶", "儿童羽绒服"}

	properties.Property("same input yields identical groupings and masters", prop.ForAll(
		func(seedIdx []int) bool {
			t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			var records []*models.Product
			for i, idx := range seedIdx {
				title := titles[((idx%len(titles))+len(titles))%len(titles)]
				records = append(records, product(
					string(rune('A'+i%26)), title, "S-1", 10, i, t0.Add(time.Duration(i)*time.Minute)))
			}

			d := New(nil)
			first := d.Products(records)
			second := d.Products(records)

			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].Master.SourceID != second[i].Master.SourceID {
					return false
				}
				if len(first[i].Members) != len(second[i].Members) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
