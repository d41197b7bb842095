// Package validation содержит структурную валидацию входных данных.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ndelacroix/loyalty-system/internal/model"
)

// TicketError описывает ошибки структуры входящего чека по полям.
// Пользовательская ошибка: отдаётся наружу со статусом 400.
type TicketError struct {
	Fields map[string]string
}

// Error возвращает сводку ошибок по полям в стабильном порядке.
func (e *TicketError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid ticket: " + strings.Join(parts, "; ")
}

// ValidateTicket проверяет структуру входящего чека в любой из двух схем.
func ValidateTicket(t model.RawTicket) error {
	fields := map[string]string{}

	if strings.TrimSpace(t.TicketID) == "" {
		fields["ticketId"] = "required"
	}
	if strings.TrimSpace(t.OwnerToken) == "" {
		fields["ownerToken"] = "required"
	}
	if t.Total < 0 {
		fields["totalAmount"] = "must not be negative"
	}
	if len(t.Items) == 0 {
		fields["items"] = "at least one line item required"
	}

	for i, it := range t.Items {
		v2 := it.Source != nil || it.Confidence != nil || it.RawText != ""

		if v2 {
			if it.RawText == "" && it.MatchedName == "" {
				fields[fmt.Sprintf("items[%d].rawText", i)] = "rawText or matchedName required"
			}
			if it.Source != nil && !validSource(*it.Source) {
				fields[fmt.Sprintf("items[%d].source", i)] = "must be one of matched, other, potential"
			}
			if it.Confidence != nil && (*it.Confidence < 0 || *it.Confidence > 1) {
				fields[fmt.Sprintf("items[%d].confidence", i)] = "must be within [0, 1]"
			}
		} else if strings.TrimSpace(it.Name) == "" {
			fields[fmt.Sprintf("items[%d].name", i)] = "required"
		}

		if it.Quantity < 0 {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must not be negative"
		}
	}

	if len(fields) > 0 {
		return &TicketError{Fields: fields}
	}
	return nil
}

// ValidateNote проверяет обязательный комментарий оператора.
func ValidateNote(field, note string, minLen int) error {
	if len(strings.TrimSpace(note)) < minLen {
		return &TicketError{Fields: map[string]string{
			field: fmt.Sprintf("at least %d characters required", minLen),
		}}
	}
	return nil
}

func validSource(s model.TicketSource) bool {
	switch s {
	case model.TicketSourceMatched, model.TicketSourceOther, model.TicketSourcePotential:
		return true
	}
	return false
}
