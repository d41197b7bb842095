package normalizer

import (
	"testing"

	"github.com/ndelacroix/loyalty-system/internal/lexicon"
	"github.com/ndelacroix/loyalty-system/internal/model"
)

func newTestNormalizer() *Normalizer {
	return New(lexicon.Default(), nil)
}

func legacyLine(name string, qty int, price float64) model.RawLineItem {
	return model.RawLineItem{Name: name, Quantity: qty, Price: price}
}

func v2Line(raw, matched string, qty int, unitPrice, totalPrice float64, confidence float64, source model.TicketSource) model.RawLineItem {
	return model.RawLineItem{
		RawText:     raw,
		MatchedName: matched,
		Quantity:    qty,
		UnitPrice:   unitPrice,
		TotalPrice:  totalPrice,
		Confidence:  &confidence,
		Source:      &source,
	}
}

func TestNormalizeEmpty(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{TicketID: "t-1"})
	if len(got) != 0 {
		t.Fatalf("Normalize(empty) = %v, want empty", got)
	}
}

func TestLegacySimpleLines(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{
		TicketID: "t-2",
		Total:    44.48,
		Items: []model.RawLineItem{
			legacyLine("Omega 3", 2, 15.99),
			legacyLine("Vitamine D3", 1, 12.50),
		},
	})

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "Omega 3" || got[0].TotalPrice != 31.98 {
		t.Fatalf("first item = %+v", got[0])
	}
	if got[1].Quantity != 1 || got[1].UnitPrice != 12.50 {
		t.Fatalf("second item = %+v", got[1])
	}
}

// Склеенный многострочный товар, полностью погашенный скидкой, исчезает целиком.
func TestLegacyDiscountCancellation(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{
		TicketID: "t-3",
		Items: []model.RawLineItem{
			legacyLine("PHYTALESSENCE", 1, 10.00),
			legacyLine("RHODIOLA 60", 1, 10.00),
			legacyLine("remise", 1, -10.00),
		},
	})

	if len(got) != 0 {
		t.Fatalf("Normalize = %v, want empty sequence", got)
	}
}

func TestLegacyMultilineMerge(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{
		TicketID: "t-4",
		Items: []model.RawLineItem{
			legacyLine("PHYTALESSENCE", 1, 12.90),
			legacyLine("MAGNESIUM MARIN", 1, 12.90),
			legacyLine("Vitamine D3", 1, 12.50),
		},
	})

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(got), got)
	}
	if got[0].Name != "PHYTALESSENCE MAGNESIUM MARIN" {
		t.Fatalf("merged name = %q", got[0].Name)
	}
	if got[0].UnitPrice != 12.90 {
		t.Fatalf("merged unit price = %v, want 12.90", got[0].UnitPrice)
	}
	if got[1].Name != "Vitamine D3" {
		t.Fatalf("second item = %+v", got[1])
	}
}

// Дублированная OCR пара «товар + скидка» после первой отменённой пары тоже удаляется.
func TestLegacyDuplicatedDiscountPair(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{
		TicketID: "t-5",
		Items: []model.RawLineItem{
			legacyLine("PHYTALESSENCE", 1, 10.00),
			legacyLine("RHODIOLA 60", 1, 10.00),
			legacyLine("remise", 1, -10.00),
			legacyLine("RHODIOLA 60", 1, 10.00),
			legacyLine("remise", 1, -10.00),
			legacyLine("Omega 3", 1, 15.99),
		},
	})

	if len(got) != 1 || got[0].Name != "Omega 3" {
		t.Fatalf("Normalize = %v, want only Omega 3", got)
	}
}

func TestLegacyStandaloneDiscountByMarker(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{
		TicketID: "t-6",
		Items: []model.RawLineItem{
			legacyLine("Omega 3", 1, 15.99),
			legacyLine("REMISE fidélité", 1, 15.99),
			legacyLine("Vitamine D3", 1, 12.50),
		},
	})

	if len(got) != 1 || got[0].Name != "Vitamine D3" {
		t.Fatalf("Normalize = %v, want only Vitamine D3", got)
	}
}

func TestV2DropsLowConfidenceMatched(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{
		TicketID: "t-7",
		Items: []model.RawLineItem{
			v2Line("0MEGA 3", "Omega 3", 2, 15.99, 31.98, 0.92, model.TicketSourceMatched),
			v2Line("V1T D3 ???", "Vitamine D3", 1, 12.50, 12.50, 0.31, model.TicketSourceMatched),
		},
	})

	if len(got) != 1 {
		t.Fatalf("len = %d, want 1: %v", len(got), got)
	}
	if got[0].Name != "Omega 3" || !got[0].V2 {
		t.Fatalf("item = %+v", got[0])
	}
	if got[0].TotalPrice != 31.98 {
		t.Fatalf("total = %v, want 31.98", got[0].TotalPrice)
	}
}

// Строки other и potential проходят всегда: их судьбу решает сопоставление.
func TestV2PassesThroughOtherAndPotential(t *testing.T) {
	n := newTestNormalizer()

	got := n.Normalize(model.RawTicket{
		TicketID: "t-8",
		Items: []model.RawLineItem{
			v2Line("produit illisible", "", 2, 4.20, 0, 0.05, model.TicketSourceOther),
			v2Line("AUTRE CHOSE", "", 1, 9.99, 0, 0.10, model.TicketSourcePotential),
		},
	})

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "produit illisible" {
		t.Fatalf("name = %q, want raw text fallback", got[0].Name)
	}
	// Для other/potential итог — цена×количество, данных о скидке нет
	if got[0].TotalPrice != 8.40 {
		t.Fatalf("total = %v, want 8.40", got[0].TotalPrice)
	}
}

func TestIsV2Detection(t *testing.T) {
	if IsV2([]model.RawLineItem{legacyLine("Omega 3", 1, 10)}) {
		t.Fatal("legacy items misdetected as v2")
	}

	src := model.TicketSourceMatched
	if !IsV2([]model.RawLineItem{{RawText: "x", Source: &src}}) {
		t.Fatal("v2 items not detected")
	}
}
