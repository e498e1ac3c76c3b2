// Package dedup groups duplicate records and elects a master per
// group. Stage 1 matches exactly on source_id; stage 2 scores a
// weighted composite similarity. The deduper never deletes: it emits
// canonical_of back-pointers for the versioner to record.
package dedup

import (
	"sort"
	"strings"

	"github.com/market-sync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/xrash/smetrics"
	"golang.org/x/text/width"
)

// Default composite weights and threshold, matching the configured
// product rule set.
const (
	DefaultThreshold = 0.85

	weightTitle    = 0.4
	weightPrice    = 0.3
	weightSupplier = 0.2
	weightMOQ      = 0.1
)

// Group is one set of duplicate records with its elected master.
type Group struct {
	Members []*models.Product
	Master  *models.Product
}

// Deduper groups duplicate products.
type Deduper struct {
	threshold float64

	// suppliers resolves supplier verified flags for master election.
	suppliers map[string]*models.Supplier
}

// New creates a deduper with the default threshold.
func New(suppliers map[string]*models.Supplier) *Deduper {
	return &Deduper{threshold: DefaultThreshold, suppliers: suppliers}
}

// NewWithThreshold creates a deduper with a custom threshold.
func NewWithThreshold(threshold float64, suppliers map[string]*models.Supplier) *Deduper {
	return &Deduper{threshold: threshold, suppliers: suppliers}
}

// Products groups the input records. The result is deterministic:
// running it twice on the same input yields identical groupings and
// masters. Input order does not matter.
func (d *Deduper) Products(records []*models.Product) []Group {
	// Sort a copy by source_id so grouping is order-independent
	sorted := make([]*models.Product, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	n := len(sorted)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra > rb {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Stage 1: identical source ids are the same record
			if sorted[i].SourceID == sorted[j].SourceID {
				union(i, j)
				continue
			}
			// Stage 2: weighted composite similarity
			if d.Similarity(sorted[i], sorted[j]) >= d.threshold {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]*models.Product)
	for i, p := range sorted {
		root := find(i)
		byRoot[root] = append(byRoot[root], p)
	}

	roots := make([]int, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	groups := make([]Group, 0, len(roots))
	for _, root := range roots {
		members := byRoot[root]
		groups = append(groups, Group{
			Members: members,
			Master:  d.electMaster(members),
		})
	}
	return groups
}

// Similarity scores two products on the weighted composite:
// title 0.4, price_min 0.3, supplier 0.2, moq 0.1. The supplier
// component only participates when both records share a supplier;
// otherwise the weights renormalize over the comparable fields, so
// the same listing re-published by two suppliers can still clear the
// threshold. A shared supplier still lifts near-miss titles that a
// cross-supplier pair would not reach.
func (d *Deduper) Similarity(a, b *models.Product) float64 {
	score := weightTitle * titleSimilarity(a.Title, b.Title)
	score += weightPrice * numericSimilarity(a.PriceMin, b.PriceMin)
	score += weightMOQ * intSimilarity(a.MOQ, b.MOQ)
	total := weightTitle + weightPrice + weightMOQ

	if a.SupplierSourceID != "" && a.SupplierSourceID == b.SupplierSourceID {
		score += weightSupplier
		total += weightSupplier
	}
	return score / total
}

// titleSimilarity compares normalized titles with Jaro-Winkler, which
// operates on runes and behaves well on short CJK strings.
func titleSimilarity(a, b string) float64 {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return smetrics.JaroWinkler(na, nb, 0.7, 4)
}

// normalizeTitle case-folds, strips whitespace and folds full-width
// characters so spacing and width variants compare equal.
func normalizeTitle(s string) string {
	s = width.Narrow.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), "")
}

// numericSimilarity is 1 - relative distance, clamped to [0, 1].
func numericSimilarity(a, b decimal.Decimal) float64 {
	if a.IsZero() && b.IsZero() {
		return 1
	}
	max := decimal.Max(a.Abs(), b.Abs())
	if max.IsZero() {
		return 1
	}
	dist, _ := a.Sub(b).Abs().Div(max).Float64()
	if dist > 1 {
		dist = 1
	}
	return 1 - dist
}

func intSimilarity(a, b int) float64 {
	return numericSimilarity(decimal.NewFromInt(int64(a)), decimal.NewFromInt(int64(b)))
}

// electMaster picks the group representative: verified supplier first,
// then higher sales_count, then earlier created_at, with lexicographic
// source_id as the final tie-break.
func (d *Deduper) electMaster(members []*models.Product) *models.Product {
	best := members[0]
	for _, candidate := range members[1:] {
		if d.better(candidate, best) {
			best = candidate
		}
	}
	return best
}

func (d *Deduper) verified(p *models.Product) bool {
	if s, ok := d.suppliers[p.SupplierSourceID]; ok {
		return s.Verified
	}
	return false
}

func (d *Deduper) better(a, b *models.Product) bool {
	av, bv := d.verified(a), d.verified(b)
	if av != bv {
		return av
	}
	if a.SalesCount != b.SalesCount {
		return a.SalesCount > b.SalesCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.SourceID < b.SourceID
}

// Assign writes canonical_of pointers onto non-master members and
// returns the records that changed.
func Assign(groups []Group) []*models.Product {
	var changed []*models.Product
	for _, g := range groups {
		for _, m := range g.Members {
			if m.SourceID == g.Master.SourceID {
				if m.CanonicalOf != "" {
					m.CanonicalOf = ""
					changed = append(changed, m)
				}
				continue
			}
			if m.CanonicalOf != g.Master.SourceID {
				m.CanonicalOf = g.Master.SourceID
				changed = append(changed, m)
			}
		}
	}
	return changed
}
