package clean

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextNormalization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace", "  红苹果   500g  ", "红苹果 500g"},
		{"strips zero width", "红​苹果", "红苹果"},
		{"strips html tags", "<p>描述</p>", "描述"},
		{"folds full width digits", "５００ｇ", "500g"},
		{"empty stays empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Text(tt.in))
		})
	}
}

func TestTextIdempotent(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("clean(clean(x)) == clean(x)", prop.ForAll(
		func(s string) bool {
			once := Text(s)
			return Text(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestURLStripsTracking(t *testing.T) {
	in := "https://Example.com/offer/1.html?spm=a2b3.c&utm_source=x&id=9#frag"
	got := URL(in)
	assert.Equal(t, "https://example.com/offer/1.html?id=9", got)

	// Idempotent
	assert.Equal(t, got, URL(got))
}

func TestPriceFormats(t *testing.T) {
	tests := []struct {
		in          string
		min, max    string
		unit        string
		expectError bool
	}{
		{in: "¥12.50", min: "12.5", max: "12.5"},
		{in: "¥12.50 - ¥15.00", min: "12.5", max: "15"},
		{in: "¥8/个", min: "8", max: "8", unit: "piece"},
		{in: "￥100 - ￥80", min: "80", max: "100"},
		{in: "12元", min: "12", max: "12"},
		{in: "面议", expectError: true},
		{in: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			pr, err := Price(tt.in)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.min, pr.Min.String())
			assert.Equal(t, tt.max, pr.Max.String())
			assert.True(t, pr.Min.LessThanOrEqual(pr.Max))
			if tt.unit != "" {
				assert.Equal(t, tt.unit, pr.Unit)
			}
		})
	}
}

func TestUnitMapping(t *testing.T) {
	assert.Equal(t, "piece", Unit("个"))
	assert.Equal(t, "piece", Unit("件"))
	assert.Equal(t, "set", Unit("套"))
	assert.Equal(t, "pair", Unit("双"))
	assert.Equal(t, "kg", Unit("公斤"))
	assert.Equal(t, "m", Unit("米"))
	assert.Equal(t, "m2", Unit("平方米"))
	assert.Equal(t, "piece", Unit("神秘单位"))
}

func TestMOQFormats(t *testing.T) {
	assert.Equal(t, 10, MOQ("10 起"))
	assert.Equal(t, 5, MOQ("起订量：5"))
	assert.Equal(t, 100, MOQ("MOQ: 100"))
	assert.Equal(t, 2, MOQ("2"))
	assert.Equal(t, 1, MOQ("随便"))
	assert.Equal(t, 1, MOQ(""))
}

func TestCurrency(t *testing.T) {
	assert.Equal(t, "CNY", Currency("¥"))
	assert.Equal(t, "CNY", Currency("RMB"))
	assert.Equal(t, "USD", Currency("$"))
	assert.Equal(t, "EUR", Currency("EUR"))
	assert.Equal(t, "CNY", Currency("??"))
}

func TestDateCoercion(t *testing.T) {
	got, err := Date("2024-03-01 08:00:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T08:00:00Z", got.Format("2006-01-02T15:04:05Z"))

	got, err = Date("2024年03月01日")
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())

	_, err = Date("someday")
	assert.Error(t, err)
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 0.98, Percent("98%"), 1e-9)
	assert.InDelta(t, 0.5, Percent("0.5"), 1e-9)
	assert.Equal(t, 0.0, Percent("n/a"))
}
