// Package clean normalizes raw extracted values into canonical form:
// text, prices, units, URLs, contact info and dates. Cleaning is
// idempotent: clean(clean(x)) == clean(x).
package clean

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/text/width"
)

// Canonical price units.
const (
	UnitPiece = "piece"
	UnitKg    = "kg"
	UnitMeter = "m"
	UnitSqm   = "m2"
	UnitPair  = "pair"
	UnitSet   = "set"
)

// unitMapping folds source unit spellings into the canonical set.
var unitMapping = map[string]string{
	"个": UnitPiece, "件": UnitPiece, "只": UnitPiece, "支": UnitPiece,
	"张": UnitPiece, "片": UnitPiece, "条": UnitPiece, "根": UnitPiece,
	"pcs": UnitPiece, "pc": UnitPiece, "piece": UnitPiece, "pieces": UnitPiece,
	"套": UnitSet, "set": UnitSet, "sets": UnitSet,
	"对": UnitPair, "双": UnitPair, "pair": UnitPair, "pairs": UnitPair,
	"公斤": UnitKg, "千克": UnitKg, "kg": UnitKg,
	"米": UnitMeter, "公尺": UnitMeter, "m": UnitMeter, "meter": UnitMeter,
	"平方米": UnitSqm, "平米": UnitSqm, "m2": UnitSqm, "㎡": UnitSqm,
}

// currencyMapping folds currency symbols and spellings to ISO codes.
var currencyMapping = map[string]string{
	"¥": "CNY", "￥": "CNY", "rmb": "CNY", "cny": "CNY", "元": "CNY",
	"$": "USD", "usd": "USD",
	"€": "EUR", "eur": "EUR",
}

var (
	zeroWidthRe  = regexp.MustCompile("[\u200b\u200c\u200d\ufeff]")
	whitespaceRe = regexp.MustCompile(`\s+`)
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)

	// Price formats: ¥X, ¥X - ¥Y, ¥X/unit
	priceRangeRe  = regexp.MustCompile(`(?:[¥￥]|RMB\s*)?\s*(\d+(?:\.\d+)?)\s*[-~—至]\s*(?:[¥￥]|RMB\s*)?\s*(\d+(?:\.\d+)?)`)
	priceSingleRe = regexp.MustCompile(`(?:[¥￥]|RMB\s*)?\s*(\d+(?:\.\d+)?)\s*(?:元)?(?:\s*/\s*(\S+))?`)

	// MOQ formats: "10 起", "起订量: 10", "MOQ: 10"
	moqRes = []*regexp.Regexp{
		regexp.MustCompile(`(\d+)\s*起`),
		regexp.MustCompile(`最小起订量[:：]\s*(\d+)`),
		regexp.MustCompile(`(?i)MOQ[:：]\s*(\d+)`),
		regexp.MustCompile(`起订量[:：]\s*(\d+)`),
		regexp.MustCompile(`^(\d+)$`),
	}

	digitsRe = regexp.MustCompile(`\d+`)
)

// trackingParams are stripped from URLs during cleaning.
var trackingParams = map[string]bool{
	"spm": true, "tracelog": true, "clickid": true, "ali_trackid": true,
	"scm": true, "pvid": true, "ref": true,
}

// Text collapses whitespace, strips zero-width characters and HTML
// tags, and folds full-width latin/digits to half-width.
func Text(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = zeroWidthRe.ReplaceAllString(s, "")
	s = width.Narrow.String(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// URL strips tracking parameters (including utm_*) and fragments, and
// lower-cases the scheme and host. Invalid URLs are returned trimmed.
func URL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	q := u.Query()
	for key := range q {
		if trackingParams[strings.ToLower(key)] || strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// Currency canonicalizes a currency symbol or spelling to an ISO code.
// Unknown input defaults to CNY, the source site's currency.
func Currency(s string) string {
	s = strings.TrimSpace(s)
	if code, ok := currencyMapping[strings.ToLower(s)]; ok {
		return code
	}
	if len(s) == 3 && strings.ToUpper(s) == s {
		return s
	}
	return "CNY"
}

// PriceRange is the parsed result of a price text.
type PriceRange struct {
	Min      decimal.Decimal
	Max      decimal.Decimal
	Currency string
	Unit     string
}

// Price parses the supported price formats: "¥X", "¥X - ¥Y" and
// "¥X/unit". The result always satisfies Min <= Max.
func Price(text string) (PriceRange, error) {
	text = Text(text)
	if text == "" {
		return PriceRange{}, apperrors.NewValidationError("price", "empty price text")
	}

	if m := priceRangeRe.FindStringSubmatch(text); m != nil {
		lo, err := decimal.NewFromString(m[1])
		if err != nil {
			return PriceRange{}, apperrors.NewValidationError("price", "bad price number").WithCause(err)
		}
		hi, err := decimal.NewFromString(m[2])
		if err != nil {
			return PriceRange{}, apperrors.NewValidationError("price", "bad price number").WithCause(err)
		}
		if hi.LessThan(lo) {
			lo, hi = hi, lo
		}
		return PriceRange{Min: lo, Max: hi, Currency: "CNY"}, nil
	}

	if m := priceSingleRe.FindStringSubmatch(text); m != nil && m[1] != "" {
		v, err := decimal.NewFromString(m[1])
		if err != nil {
			return PriceRange{}, apperrors.NewValidationError("price", "bad price number").WithCause(err)
		}
		pr := PriceRange{Min: v, Max: v, Currency: "CNY"}
		if m[2] != "" {
			pr.Unit = Unit(m[2])
		}
		return pr, nil
	}

	return PriceRange{}, apperrors.NewValidationError("price", "unrecognized price format: "+text)
}

// Unit folds a source unit spelling into the canonical set. Unknown
// units default to piece.
func Unit(s string) string {
	s = strings.ToLower(Text(s))
	if canonical, ok := unitMapping[s]; ok {
		return canonical
	}
	return UnitPiece
}

// MOQ parses minimum order quantity texts like "10 起" or "MOQ: 10".
// Missing or unparseable text defaults to 1.
func MOQ(text string) int {
	text = Text(text)
	for _, re := range moqRes {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

// Count parses loose integer texts like "1200" or "成交1200笔".
func Count(text string) int {
	if m := digitsRe.FindString(Text(text)); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			return n
		}
	}
	return 0
}

// Rating parses a rating value, clamped to [0, 5].
func Rating(text string) float64 {
	text = Text(text)
	v, err := strconv.ParseFloat(strings.TrimSuffix(text, "分"), 64)
	if err != nil {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 5 {
		return 5
	}
	return v
}

// Percent parses "98%" style values into [0, 1].
func Percent(text string) float64 {
	text = strings.TrimSuffix(Text(text), "%")
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0
	}
	if v > 1 {
		v = v / 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// dateLayouts are tried in order when coercing source dates.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006年01月02日",
}

// Date coerces a source date text to UTC. The zero time and an error
// are returned when no layout matches.
func Date(text string) (time.Time, error) {
	text = Text(text)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.NewValidationError("date", "unrecognized date format: "+text)
}
