package matcher

import (
	"math"
	"testing"

	"github.com/ndelacroix/loyalty-system/internal/lexicon"
	"github.com/ndelacroix/loyalty-system/internal/model"
)

func newTestMatcher() *Matcher {
	return New(lexicon.Default())
}

func product(id int64, name string, aliases ...string) model.CatalogProduct {
	return model.CatalogProduct{ID: id, Name: name, Aliases: aliases, Active: true}
}

func item(name string, qty int, price float64) model.NormalizedLineItem {
	return model.NormalizedLineItem{Name: name, Quantity: qty, UnitPrice: price, TotalPrice: price * float64(qty)}
}

func TestMatchExactName(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("OMÉGA 3", 2, 15.99)},
		[]model.CatalogProduct{product(1, "Omega 3")},
	)

	rec := res.Records[0]
	if !rec.Matched() || rec.Strategy != model.StrategyExact {
		t.Fatalf("record = %+v, want exact match", rec)
	}
	if rec.EligibleAmount != 31.98 {
		t.Fatalf("eligible = %v, want 31.98", rec.EligibleAmount)
	}
}

func TestMatchAlias(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("OM3 EPA", 1, 10)},
		[]model.CatalogProduct{product(7, "Omega 3 EPA/DHA", "om3")},
	)

	rec := res.Records[0]
	if !rec.Matched() || rec.Strategy != model.StrategyAlias {
		t.Fatalf("record = %+v, want alias match", rec)
	}
}

func TestMatchBrandStrip(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("PHYTALESSENCE RHODIOLA", 1, 10)},
		[]model.CatalogProduct{product(3, "Rhodiola")},
	)

	rec := res.Records[0]
	if !rec.Matched() || rec.Strategy != model.StrategyBrandStrip {
		t.Fatalf("record = %+v, want brand_strip match", rec)
	}
}

func TestMatchContains(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("OMEGA 3 60 GELULES", 1, 10)},
		[]model.CatalogProduct{product(4, "Omega 3")},
	)

	rec := res.Records[0]
	if !rec.Matched() || rec.Strategy != model.StrategyContains {
		t.Fatalf("record = %+v, want contains match", rec)
	}
}

func TestMatchAbbreviation(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("VIT D3", 1, 12.50)},
		[]model.CatalogProduct{product(5, "Vitamine D3")},
	)

	rec := res.Records[0]
	if !rec.Matched() || rec.Strategy != model.StrategyAbbreviation {
		t.Fatalf("record = %+v, want abbreviation match", rec)
	}
}

func TestMatchSignificantKeywords(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("HUILE OMEGA 60 GELULES", 1, 10)},
		[]model.CatalogProduct{product(6, "Omega Huile de Poisson")},
	)

	rec := res.Records[0]
	if !rec.Matched() || rec.Strategy != model.StrategyKeyword {
		t.Fatalf("record = %+v, want keyword match", rec)
	}
}

func TestMatchFuzzy(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("MAGNESIUM MARIN FORT", 1, 10)},
		[]model.CatalogProduct{product(8, "Magnésium Marin")},
	)

	rec := res.Records[0]
	if !rec.Matched() || rec.Strategy != model.StrategyFuzzy {
		t.Fatalf("record = %+v, want fuzzy match", rec)
	}
	if rec.Confidence < fuzzyThreshold {
		t.Fatalf("confidence = %v, want >= %v", rec.Confidence, fuzzyThreshold)
	}
}

func TestFuzzyBelowThresholdRejected(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(
		[]model.NormalizedLineItem{item("SHAMPOOING DOUX BEBE", 1, 5)},
		[]model.CatalogProduct{product(9, "Magnésium Marin")},
	)

	rec := res.Records[0]
	if rec.Matched() {
		t.Fatalf("record = %+v, want no match", rec)
	}
	if rec.EligibleAmount != 0 {
		t.Fatalf("unmatched item must contribute 0, got %v", rec.EligibleAmount)
	}
}

// Точное совпадение имени всегда выигрывает у нечёткой стратегии,
// независимо от порядка товаров в каталоге.
func TestExactBeatsFuzzyRegardlessOfCatalogOrder(t *testing.T) {
	m := newTestMatcher()

	fuzzyFirst := []model.CatalogProduct{
		product(1, "Omega 3 Fort Marin"),
		product(2, "Omega 3"),
	}
	fuzzyLast := []model.CatalogProduct{
		product(2, "Omega 3"),
		product(1, "Omega 3 Fort Marin"),
	}

	for _, catalog := range [][]model.CatalogProduct{fuzzyFirst, fuzzyLast} {
		res := m.Match([]model.NormalizedLineItem{item("Omega 3", 1, 10)}, catalog)
		rec := res.Records[0]
		if rec.Strategy != model.StrategyExact {
			t.Fatalf("strategy = %s, want exact", rec.Strategy)
		}
		if rec.ProductID == nil || *rec.ProductID != 2 {
			t.Fatalf("productID = %v, want 2", rec.ProductID)
		}
	}
}

func TestInactiveProductsExcluded(t *testing.T) {
	m := newTestMatcher()

	inactive := model.CatalogProduct{ID: 1, Name: "Omega 3", Active: false}
	res := m.Match([]model.NormalizedLineItem{item("Omega 3", 1, 10)}, []model.CatalogProduct{inactive})

	if res.Records[0].Matched() {
		t.Fatal("inactive product must not participate in matching")
	}
}

func TestEligibleAmountInvariant(t *testing.T) {
	m := newTestMatcher()

	items := []model.NormalizedLineItem{
		item("Omega 3", 2, 15.99),
		item("Vitamine D3", 1, 12.50),
		item("PRODUIT INCONNU XYZ", 3, 99),
	}
	catalog := []model.CatalogProduct{
		product(1, "Omega 3"),
		product(2, "Vitamine D3"),
	}

	res := m.Match(items, catalog)

	var sum float64
	for _, rec := range res.Records {
		if rec.Matched() {
			sum += rec.Item.UnitPrice * float64(rec.Item.Quantity)
		} else if rec.EligibleAmount != 0 {
			t.Fatalf("unmatched record has eligible amount %v", rec.EligibleAmount)
		}
	}

	if math.Abs(res.EligibleAmount-sum) > 1e-9 {
		t.Fatalf("eligible = %v, want %v", res.EligibleAmount, sum)
	}
	if math.Abs(res.EligibleAmount-44.48) > 1e-9 {
		t.Fatalf("eligible = %v, want 44.48", res.EligibleAmount)
	}
	if res.MatchedCount != 2 || res.UnmatchedCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", res.MatchedCount, res.UnmatchedCount)
	}
}

func TestEmptyItems(t *testing.T) {
	m := newTestMatcher()

	res := m.Match(nil, []model.CatalogProduct{product(1, "Omega 3")})
	if len(res.Records) != 0 || res.MatchRate != 0 {
		t.Fatalf("unexpected result for empty input: %+v", res)
	}
}
