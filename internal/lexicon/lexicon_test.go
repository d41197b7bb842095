package lexicon

import (
	"reflect"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Vitamine D3  ", "vitamine d3"},
		{"OMÉGA-3 / EPA+DHA", "omega 3 epa dha"},
		{"Crème  hydratante", "creme hydratante"},
		{"", ""},
		{"---", ""},
	}

	for _, tt := range tests {
		if got := Canonicalize(tt.in); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"arko", "arko", 0},
		{"arko", "arkn", 1},
		{"pileje", "pilege", 1},
		{"nutergia", "nutregia", 2},
	}

	for _, tt := range tests {
		if got := Levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBrandPrefix(t *testing.T) {
	tables := Default()

	if _, ok := tables.BrandPrefix("PHYTALESSENCE"); !ok {
		t.Fatal("exact brand prefix not recognized")
	}

	// OCR-опечатка в длинном префиксе: допускается расстояние 2
	if _, ok := tables.BrandPrefix("PHYTALESENCE"); !ok {
		t.Fatal("fuzzy brand prefix not recognized")
	}

	// Короткий префикс допускает расстояние только 1
	if _, ok := tables.BrandPrefix("arkn"); !ok {
		t.Fatal("short prefix with distance 1 not recognized")
	}
	if _, ok := tables.BrandPrefix("aqkn"); ok {
		t.Fatal("short prefix with distance 2 must not match")
	}

	if _, ok := tables.BrandPrefix("paracetamol"); ok {
		t.Fatal("unknown token must not match any prefix")
	}
}

func TestKeywords(t *testing.T) {
	tables := Default()

	got := tables.Keywords("huile des omega 3 60 gelules")
	want := []string{"huile", "omega", "gelules"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Keywords = %v, want %v", got, want)
	}

	sig := tables.SignificantKeywords("huile des omega 3 60 gelules")
	wantSig := []string{"huile", "omega"}
	if !reflect.DeepEqual(sig, wantSig) {
		t.Fatalf("SignificantKeywords = %v, want %v", sig, wantSig)
	}
}

func TestHasDiscountMarker(t *testing.T) {
	tables := Default()

	if !tables.HasDiscountMarker("REMISE fidélité") {
		t.Fatal("remise must be detected")
	}
	if tables.HasDiscountMarker("OMEGA 3") {
		t.Fatal("regular item must not be a discount line")
	}
}
