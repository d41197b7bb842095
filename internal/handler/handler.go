// Package handler содержит HTTP-обработчики API сервиса лояльности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndelacroix/loyalty-system/internal/middleware"
	"github.com/ndelacroix/loyalty-system/internal/model"
	"github.com/ndelacroix/loyalty-system/internal/repository"
	"github.com/ndelacroix/loyalty-system/internal/service"
	"github.com/ndelacroix/loyalty-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterOperator(ctx context.Context, login, password string) (int64, error)
	AuthenticateOperator(ctx context.Context, login, password string) (int64, error)
	SubmitTicket(ctx context.Context, raw model.RawTicket) (uuid.UUID, bool, error)
	GetTransactionByTicket(ctx context.Context, ticketID string) (*model.Transaction, error)
	Reprocess(ctx context.Context, ticketID string, force bool) (uuid.UUID, error)
	ForceMatch(ctx context.Context, ticketID string, itemIndex int, productID int64, note, actor string) (*model.Transaction, error)
	AdjustPoints(ctx context.Context, ownerToken string, delta int64, reason, actor string) (*model.PointsAdjustment, error)
}

// Handler реализует HTTP-обработчики API сервиса лояльности.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового оператора.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, err := h.service.RegisterOperator(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrOperatorExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register operator error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, operatorID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию оператора и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, err := h.service.AuthenticateOperator(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrOperatorNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login operator error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, operatorID)
	w.WriteHeader(http.StatusOK)
}

type submitResponse struct {
	TransactionID string `json:"transactionId"`
	Received      bool   `json:"received"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// SubmitTicket принимает чек в теле POST-запроса и ставит его в очередь обработки.
func (h *Handler) SubmitTicket(w http.ResponseWriter, r *http.Request) {
	var raw model.RawTicket
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.submit(w, r, raw)
}

// IngestTicket принимает чек в виде JSON в query-параметре payload.
// Легаси-вариант для интеграций, не умеющих отправлять тело запроса.
func (h *Handler) IngestTicket(w http.ResponseWriter, r *http.Request) {
	payload := r.URL.Query().Get("payload")
	if payload == "" {
		http.Error(w, "payload query parameter required", http.StatusBadRequest)
		return
	}

	var raw model.RawTicket
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.submit(w, r, raw)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, raw model.RawTicket) {
	id, duplicate, err := h.service.SubmitTicket(r.Context(), raw)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}

	h.writeJSON(w, status, submitResponse{
		TransactionID: id.String(),
		Received:      true,
		Duplicate:     duplicate,
	})
}

type lineItemResponse struct {
	Name           string  `json:"name"`
	Quantity       int     `json:"quantity"`
	UnitPrice      float64 `json:"unitPrice"`
	ProductID      *int64  `json:"productId,omitempty"`
	ProductName    string  `json:"productName,omitempty"`
	Strategy       string  `json:"strategy,omitempty"`
	Confidence     float64 `json:"confidence"`
	EligibleAmount float64 `json:"eligibleAmount"`
}

type transactionResponse struct {
	TransactionID  string             `json:"transactionId"`
	TicketID       string             `json:"ticketId"`
	OwnerToken     string             `json:"ownerToken"`
	Status         string             `json:"status"`
	DeclaredTotal  float64            `json:"declaredTotal"`
	EligibleAmount float64            `json:"eligibleAmount"`
	Points         int64              `json:"points"`
	PointsAwarded  bool               `json:"pointsAwarded"`
	MatchedCount   int                `json:"matchedCount"`
	UnmatchedCount int                `json:"unmatchedCount"`
	MatchRate      float64            `json:"matchRate"`
	ErrorDetail    string             `json:"errorDetail,omitempty"`
	Items          []lineItemResponse `json:"items"`
	CreatedAt      string             `json:"createdAt"`
	ProcessedAt    string             `json:"processedAt,omitempty"`
}

func toTransactionResponse(t *model.Transaction) transactionResponse {
	items := make([]lineItemResponse, 0, len(t.MatchRecords))
	for _, rec := range t.MatchRecords {
		items = append(items, lineItemResponse{
			Name:           rec.Item.Name,
			Quantity:       rec.Item.Quantity,
			UnitPrice:      rec.Item.UnitPrice,
			ProductID:      rec.ProductID,
			ProductName:    rec.ProductName,
			Strategy:       string(rec.Strategy),
			Confidence:     rec.Confidence,
			EligibleAmount: rec.EligibleAmount,
		})
	}

	resp := transactionResponse{
		TransactionID:  t.ID.String(),
		TicketID:       t.TicketID,
		OwnerToken:     t.OwnerToken,
		Status:         string(t.Status),
		DeclaredTotal:  t.DeclaredTotal,
		EligibleAmount: t.EligibleAmount,
		Points:         t.Points,
		PointsAwarded:  t.PointsAwarded,
		MatchedCount:   t.MatchedCount,
		UnmatchedCount: t.UnmatchedCount,
		MatchRate:      t.MatchRate,
		ErrorDetail:    t.ErrorDetail,
		Items:          items,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
	}
	if t.ProcessedAt != nil {
		resp.ProcessedAt = t.ProcessedAt.Format(time.RFC3339)
	}
	return resp
}

// GetTicket возвращает транзакцию по ticket id.
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	t, err := h.service.GetTransactionByTicket(r.Context(), ticketID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

type reprocessRequest struct {
	Force bool `json:"force"`
}

// Reprocess ставит транзакцию в очередь обработки заново.
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	var req reprocessRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	id, err := h.service.Reprocess(r.Context(), ticketID, req.Force)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, submitResponse{
		TransactionID: id.String(),
		Received:      true,
	})
}

type forceMatchRequest struct {
	ItemIndex int    `json:"itemIndex"`
	ProductID int64  `json:"productId"`
	Note      string `json:"note"`
}

// ForceMatch привязывает строку чека к товару каталога по решению оператора.
func (h *Handler) ForceMatch(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	var req forceMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.ForceMatch(r.Context(), ticketID, req.ItemIndex, req.ProductID, req.Note, h.actor(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

type adjustRequest struct {
	OwnerToken string `json:"ownerToken"`
	Delta      int64  `json:"delta"`
	Reason     string `json:"reason"`
}

type adjustResponse struct {
	AdjustmentID string `json:"adjustmentId"`
	OwnerToken   string `json:"ownerToken"`
	Delta        int64  `json:"delta"`
	Balance      int64  `json:"balance"`
}

// AdjustPoints применяет прямую корректировку баланса владельца.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OwnerToken == "" {
		http.Error(w, "ownerToken required", http.StatusBadRequest)
		return
	}

	adj, err := h.service.AdjustPoints(r.Context(), req.OwnerToken, req.Delta, req.Reason, h.actor(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, adjustResponse{
		AdjustmentID: adj.ID.String(),
		OwnerToken:   adj.OwnerToken,
		Delta:        adj.Delta,
		Balance:      adj.After,
	})
}

func (h *Handler) actor(r *http.Request) string {
	if id, ok := middleware.GetOperatorIDFromContext(r.Context()); ok {
		return fmt.Sprintf("operator:%d", id)
	}
	return "operator:unknown"
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var vErr *validation.TicketError
	switch {
	case errors.As(err, &vErr):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: vErr.Error(), Fields: vErr.Fields})
	case errors.Is(err, service.ErrItemIndex):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrTransactionNotFound), errors.Is(err, repository.ErrProductNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrAlreadyProcessed), errors.Is(err, service.ErrItemAlreadyMatched):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNegativeBalance):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}
