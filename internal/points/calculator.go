// Package points содержит расчёт бонусных баллов по бизнес-правилам.
package points

import "math"

// RoundingMode задаёт способ округления при пересчёте суммы в баллы.
type RoundingMode string

const (
	RoundingFloor RoundingMode = "floor"
	RoundingCeil  RoundingMode = "ceil"
	RoundingRound RoundingMode = "round"
)

// ParseRoundingMode разбирает режим округления из конфигурации.
// Неизвестное значение трактуется как floor — режим по умолчанию.
func ParseRoundingMode(s string) RoundingMode {
	switch RoundingMode(s) {
	case RoundingCeil:
		return RoundingCeil
	case RoundingRound:
		return RoundingRound
	default:
		return RoundingFloor
	}
}

// Rules описывает параметры начисления баллов.
type Rules struct {
	Ratio     float64
	Rounding  RoundingMode
	MinAmount float64
}

// DefaultRules возвращает правила начисления по умолчанию: ratio=1, floor, без порога.
func DefaultRules() Rules {
	return Rules{Ratio: 1, Rounding: RoundingFloor, MinAmount: 0}
}

// Calculate — чистая функция пересчёта зачётной суммы в баллы.
// Сумма ниже порога даёт 0 баллов; иначе сумма умножается на коэффициент
// и округляется согласно режиму.
func Calculate(eligibleAmount float64, r Rules) int64 {
	if eligibleAmount < r.MinAmount {
		return 0
	}

	raw := eligibleAmount * r.Ratio
	if raw <= 0 {
		return 0
	}

	switch r.Rounding {
	case RoundingCeil:
		return int64(math.Ceil(raw))
	case RoundingRound:
		return int64(math.Round(raw))
	default:
		return int64(math.Floor(raw))
	}
}
