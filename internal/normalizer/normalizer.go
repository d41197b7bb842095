// Package normalizer приводит сырые строки чека к каноническому виду.
//
// Поддерживаются две входные схемы: легаси (имя, количество, цена) и v2
// (сырой текст OCR с оценкой уверенности и тегом источника). Формат
// определяется один раз по наличию полей v2; дальше по конвейеру идёт
// единая каноническая последовательность строк.
package normalizer

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/ndelacroix/loyalty-system/internal/lexicon"
	"github.com/ndelacroix/loyalty-system/internal/model"
)

const (
	// minV2Confidence — порог уверенности для строк v2 с тегом matched.
	minV2Confidence = 0.5
	// totalTolerance — допустимое расхождение с заявленной суммой чека.
	totalTolerance = 0.01
)

// Normalizer преобразует сырой чек в упорядоченный список канонических строк.
type Normalizer struct {
	tables lexicon.Tables
	logger *zap.Logger
}

// New создаёт нормализатор с указанными справочными таблицами.
func New(tables lexicon.Tables, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{tables: tables, logger: logger}
}

// IsV2 определяет, прислан ли чек в формате v2.
func IsV2(items []model.RawLineItem) bool {
	for _, it := range items {
		if it.Source != nil || it.Confidence != nil || it.RawText != "" {
			return true
		}
	}
	return false
}

// Normalize приводит чек к канонической последовательности строк,
// сохраняя их исходный порядок. Пустой вход даёт пустой выход.
func (n *Normalizer) Normalize(t model.RawTicket) []model.NormalizedLineItem {
	if len(t.Items) == 0 {
		return nil
	}

	if IsV2(t.Items) {
		return n.normalizeV2(t.Items)
	}
	return n.normalizeLegacy(t)
}

// normalizeV2 фильтрует строки v2 по тегу источника и уверенности.
// Строки matched ниже порога отбрасываются; other и potential проходят
// всегда — их судьбу решает сопоставление с каталогом.
func (n *Normalizer) normalizeV2(items []model.RawLineItem) []model.NormalizedLineItem {
	out := make([]model.NormalizedLineItem, 0, len(items))

	for _, it := range items {
		source := model.TicketSourceOther
		if it.Source != nil {
			source = *it.Source
		}

		confidence := 0.0
		if it.Confidence != nil {
			confidence = *it.Confidence
		}

		if source == model.TicketSourceMatched && confidence < minV2Confidence {
			continue
		}

		name := it.MatchedName
		if name == "" {
			name = it.RawText
		}

		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}

		item := model.NormalizedLineItem{
			Name:       name,
			RawText:    it.RawText,
			Quantity:   qty,
			UnitPrice:  it.UnitPrice,
			Confidence: confidence,
			V2:         true,
		}

		if source == model.TicketSourceMatched {
			item.TotalPrice = it.TotalPrice
			item.Discount = it.Discount
		} else {
			// Для other/potential данных о скидке нет
			item.TotalPrice = it.UnitPrice * float64(qty)
		}

		out = append(out, item)
	}

	return out
}

// normalizeLegacy собирает многострочные наименования по бренд-префиксам и
// удаляет пары «товар + отменяющая его скидка».
func (n *Normalizer) normalizeLegacy(t model.RawTicket) []model.NormalizedLineItem {
	lines := t.Items
	out := make([]model.NormalizedLineItem, 0, len(lines))

	i := 0
	for i < len(lines) {
		line := lines[i]

		if n.startsMultiline(line) {
			name := line.Name
			j := i + 1
			for j < len(lines) &&
				priceEq(lines[j].Price, line.Price) &&
				!n.tables.HasDiscountMarker(lines[j].Name) {
				name = strings.TrimSpace(name + " " + lines[j].Name)
				j++
			}

			// Пара скидки-отмены сразу после склейки
			if j < len(lines) && n.cancels(lines[j], line.Price) {
				j++
				// OCR иногда дублирует пару целиком
				if j+1 < len(lines) && priceEq(lines[j].Price, line.Price) && n.cancels(lines[j+1], line.Price) {
					j += 2
				}
				i = j
				continue
			}

			out = append(out, legacyItem(name, line))
			i = j
			continue
		}

		// Одиночная строка с той же проверкой скидки-отмены
		if i+1 < len(lines) && n.cancels(lines[i+1], line.Price) {
			i += 2
			continue
		}

		out = append(out, legacyItem(line.Name, line))
		i++
	}

	n.checkDeclaredTotal(t, out)

	return out
}

// startsMultiline определяет, открывает ли строка многострочное наименование:
// её первый токен — известный бренд-префикс, точный или с OCR-опечаткой.
func (n *Normalizer) startsMultiline(line model.RawLineItem) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(line.Name), " ")
	_, ok := n.tables.BrandPrefix(first)
	return ok
}

// cancels проверяет, отменяет ли строка товар с указанной ценой: цена строки
// равна отрицанию цены товара либо имя содержит маркер скидки той же величины.
func (n *Normalizer) cancels(line model.RawLineItem, price float64) bool {
	if priceEq(line.Price, -price) {
		return true
	}
	return n.tables.HasDiscountMarker(line.Name) && priceEq(math.Abs(line.Price), price)
}

func (n *Normalizer) checkDeclaredTotal(t model.RawTicket, items []model.NormalizedLineItem) {
	if t.Total == 0 {
		return
	}

	var sum float64
	for _, it := range items {
		sum += it.TotalPrice
	}

	if math.Abs(sum-t.Total) > totalTolerance {
		n.logger.Warn("normalized total deviates from declared ticket total",
			zap.String("ticketID", t.TicketID),
			zap.Float64("declared", t.Total),
			zap.Float64("normalized", sum),
		)
	}
}

func legacyItem(name string, line model.RawLineItem) model.NormalizedLineItem {
	qty := line.Quantity
	if qty <= 0 {
		qty = 1
	}
	return model.NormalizedLineItem{
		Name:       name,
		Quantity:   qty,
		UnitPrice:  line.Price,
		TotalPrice: line.Price * float64(qty),
	}
}

func priceEq(a, b float64) bool {
	return math.Abs(a-b) < 0.001
}
