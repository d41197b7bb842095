// Package model содержит доменные сущности сервиса лояльности.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operator представляет авторизованного оператора, выполняющего ручные корректировки.
type Operator struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// TicketSource описывает источник строки чека в формате v2.
type TicketSource string

const (
	TicketSourceMatched   TicketSource = "matched"
	TicketSourceOther     TicketSource = "other"
	TicketSourcePotential TicketSource = "potential"
)

// RawLineItem описывает строку чека в том виде, в котором её прислал OCR-источник.
// Легаси-формат заполняет только Name, Quantity и Price; формат v2 — остальные поля.
type RawLineItem struct {
	Name        string        `json:"name,omitempty"`
	Quantity    int           `json:"quantity"`
	Price       float64       `json:"price,omitempty"`
	RawText     string        `json:"rawText,omitempty"`
	MatchedName string        `json:"matchedName,omitempty"`
	UnitPrice   float64       `json:"unitPrice,omitempty"`
	TotalPrice  float64       `json:"totalPrice,omitempty"`
	Discount    float64       `json:"discount,omitempty"`
	Confidence  *float64      `json:"confidence,omitempty"`
	Source      *TicketSource `json:"source,omitempty"`
}

// RawTicket описывает входящий чек целиком.
type RawTicket struct {
	TicketID   string        `json:"ticketId"`
	OwnerToken string        `json:"ownerToken"`
	Total      float64       `json:"totalAmount"`
	Items      []RawLineItem `json:"items"`
}

// NormalizedLineItem — каноническая строка чека после нормализации.
// Создаётся только нормализатором и далее не изменяется.
type NormalizedLineItem struct {
	Name       string  `json:"name"`
	RawText    string  `json:"rawText,omitempty"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unitPrice"`
	TotalPrice float64 `json:"totalPrice"`
	Discount   float64 `json:"discount,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	V2         bool    `json:"v2,omitempty"`
}

// CatalogProduct описывает товар из каталога продавца.
// В сопоставлении участвуют только активные товары.
type CatalogProduct struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	SKU     string   `json:"sku,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	Active  bool     `json:"active"`
}

// MatchStrategy обозначает стратегию, давшую сопоставление строки с товаром.
type MatchStrategy string

const (
	StrategyAlias        MatchStrategy = "alias"
	StrategyExact        MatchStrategy = "exact"
	StrategyBrandStrip   MatchStrategy = "brand_strip"
	StrategyContains     MatchStrategy = "contains"
	StrategyAbbreviation MatchStrategy = "abbreviation"
	StrategyKeyword      MatchStrategy = "keyword"
	StrategyFuzzy        MatchStrategy = "fuzzy"
	StrategyForced       MatchStrategy = "forced"
)

// MatchRecord связывает нормализованную строку чека с товаром каталога.
// EligibleAmount равен unitPrice×quantity для сопоставленных строк и 0 для остальных.
type MatchRecord struct {
	Item           NormalizedLineItem `json:"item"`
	ProductID      *int64             `json:"productId,omitempty"`
	ProductName    string             `json:"productName,omitempty"`
	Strategy       MatchStrategy      `json:"strategy,omitempty"`
	Confidence     float64            `json:"confidence"`
	EligibleAmount float64            `json:"eligibleAmount"`
}

// Matched сообщает, сопоставлена ли строка с товаром каталога.
func (m *MatchRecord) Matched() bool {
	return m.ProductID != nil
}

// TransactionStatus описывает статус обработки транзакции.
type TransactionStatus string

const (
	StatusPending TransactionStatus = "PENDING"
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusPartial TransactionStatus = "PARTIAL"
	StatusFailed  TransactionStatus = "FAILED"
)

// Terminal сообщает, что конвейер по транзакции завершился без ошибки.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusPartial
}

// Transaction описывает обработку одного чека. TicketID — внешний ключ
// идемпотентности: повторная отправка того же чека не создаёт новую транзакцию.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	TicketID       string            `json:"ticketId"`
	OwnerToken     string            `json:"ownerToken"`
	DeclaredTotal  float64           `json:"declaredTotal"`
	RawItems       json.RawMessage   `json:"rawItems,omitempty"`
	MatchRecords   []MatchRecord     `json:"matchRecords,omitempty"`
	EligibleAmount float64           `json:"eligibleAmount"`
	Points         int64             `json:"points"`
	PointsAwarded  bool              `json:"pointsAwarded"`
	MatchedCount   int               `json:"matchedCount"`
	UnmatchedCount int               `json:"unmatchedCount"`
	MatchRate      float64           `json:"matchRate"`
	Status         TransactionStatus `json:"status"`
	ErrorDetail    string            `json:"errorDetail,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	ProcessedAt    *time.Time        `json:"processedAt,omitempty"`
}

// PointsAdjustment — запись журнала ручных корректировок баллов.
// Журнал только дополняется: записи никогда не изменяются.
type PointsAdjustment struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID *uuid.UUID `json:"transactionId,omitempty"`
	OwnerToken    string     `json:"ownerToken"`
	Delta         int64      `json:"delta"`
	Reason        string     `json:"reason"`
	Before        int64      `json:"before"`
	After         int64      `json:"after"`
	Actor         string     `json:"actor"`
	CreatedAt     time.Time  `json:"createdAt"`
}
