package points

import "testing"

func TestCalculateRounding(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		rules  Rules
		want   int64
	}{
		{"floor", 15.99, Rules{Ratio: 1, Rounding: RoundingFloor}, 15},
		{"ceil", 15.01, Rules{Ratio: 1, Rounding: RoundingCeil}, 16},
		{"round down", 15.49, Rules{Ratio: 1, Rounding: RoundingRound}, 15},
		{"round up", 15.50, Rules{Ratio: 1, Rounding: RoundingRound}, 16},
		{"below threshold", 9.99, Rules{Ratio: 1, Rounding: RoundingFloor, MinAmount: 10}, 0},
		{"at threshold", 10, Rules{Ratio: 1, Rounding: RoundingFloor, MinAmount: 10}, 10},
		{"zero amount", 0, Rules{Ratio: 2, Rounding: RoundingCeil}, 0},
		{"ratio applied", 20, Rules{Ratio: 0.5, Rounding: RoundingFloor}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(tt.amount, tt.rules)
			if got != tt.want {
				t.Fatalf("Calculate(%v) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}

func TestCalculateMonotonicInRatio(t *testing.T) {
	const amount = 44.48

	prev := int64(-1)
	for _, ratio := range []float64{0.1, 0.5, 1, 1.5, 2, 3} {
		got := Calculate(amount, Rules{Ratio: ratio, Rounding: RoundingFloor})
		if got < prev {
			t.Fatalf("points decreased: ratio=%v points=%d prev=%d", ratio, got, prev)
		}
		prev = got
	}
}

func TestParseRoundingModeFallback(t *testing.T) {
	if got := ParseRoundingMode("banker"); got != RoundingFloor {
		t.Fatalf("ParseRoundingMode(banker) = %s, want floor", got)
	}
	if got := ParseRoundingMode("ceil"); got != RoundingCeil {
		t.Fatalf("ParseRoundingMode(ceil) = %s, want ceil", got)
	}
}
