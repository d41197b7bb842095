// Package service реализует бизнес-логику сервиса лояльности: конвейер
// обработки чека, очередь фоновых воркеров и ручные операции оператора.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndelacroix/loyalty-system/internal/lexicon"
	"github.com/ndelacroix/loyalty-system/internal/matcher"
	"github.com/ndelacroix/loyalty-system/internal/model"
	"github.com/ndelacroix/loyalty-system/internal/normalizer"
	"github.com/ndelacroix/loyalty-system/internal/points"
	"github.com/ndelacroix/loyalty-system/internal/repository"
	"github.com/ndelacroix/loyalty-system/internal/validation"
)

const (
	// queueCapacity — ёмкость очереди транзакций на обработку.
	queueCapacity = 256
	// minNoteLen — минимальная длина обязательного комментария оператора.
	minNoteLen = 10
)

// ErrAlreadyProcessed возвращается при попытке повторной обработки завершённой
// транзакции без явного флага force.
var (
	ErrAlreadyProcessed = errors.New("transaction already processed")
	// ErrNegativeBalance возвращается, если корректировка увела бы баланс ниже нуля.
	ErrNegativeBalance = errors.New("adjustment would drive balance below zero")
	// ErrItemAlreadyMatched возвращается при попытке перепривязать уже
	// подтверждённую строку, не являющуюся прежней ручной привязкой.
	ErrItemAlreadyMatched = errors.New("line item already validated")
	// ErrItemIndex возвращается при выходе индекса строки за границы чека.
	ErrItemIndex = errors.New("line item index out of range")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOperator(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetOperatorByLogin(ctx context.Context, login string) (*model.Operator, error)
	CreateTransaction(ctx context.Context, t *model.Transaction) (uuid.UUID, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	GetTransactionByTicket(ctx context.Context, ticketID string) (*model.Transaction, error)
	SaveMatchResults(ctx context.Context, t *model.Transaction) error
	FinalizeTransaction(ctx context.Context, id uuid.UUID, status model.TransactionStatus, errorDetail string, pointsAwarded bool) error
	ResetTransaction(ctx context.Context, id uuid.UUID) error
	ActiveProducts(ctx context.Context) ([]model.CatalogProduct, error)
	GetProduct(ctx context.Context, id int64) (*model.CatalogProduct, error)
	SaveOwnerBalance(ctx context.Context, ownerToken string, balance int64) error
	CreateAdjustment(ctx context.Context, adj *model.PointsAdjustment, newBalance int64) error
}

// Ledger описывает контракт клиента внешнего реестра баллов.
type Ledger interface {
	FetchBalance(ctx context.Context, ownerToken string) (int64, error)
	PushBalance(ctx context.Context, ownerToken string, total int64) error
	Notify(ctx context.Context, ownerToken string, pointsEarned int64) error
}

// Service содержит бизнес-логику сервиса лояльности.
type Service struct {
	repo       Repository
	ledger     Ledger
	normalizer *normalizer.Normalizer
	matcher    *matcher.Matcher
	rules      points.Rules
	logger     *zap.Logger
	queue      chan uuid.UUID
}

// NewService создаёт сервис с указанным репозиторием, клиентом реестра,
// правилами начисления и справочными таблицами сопоставления.
func NewService(repo Repository, ledgerClient Ledger, rules points.Rules, tables lexicon.Tables, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		ledger:     ledgerClient,
		normalizer: normalizer.New(tables, logger),
		matcher:    matcher.New(tables),
		rules:      rules,
		logger:     logger,
		queue:      make(chan uuid.UUID, queueCapacity),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterOperator регистрирует нового оператора.
func (s *Service) RegisterOperator(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateOperator(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateOperator проверяет логин и пароль оператора и возвращает его идентификатор.
func (s *Service) AuthenticateOperator(ctx context.Context, login, password string) (int64, error) {
	op, err := s.repo.GetOperatorByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(op.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return op.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// SubmitTicket валидирует чек, создаёт транзакцию и ставит её в очередь
// обработки. Дубликат ticket id отвечает идентификатором исходной транзакции
// и не запускает конвейер повторно.
func (s *Service) SubmitTicket(ctx context.Context, raw model.RawTicket) (uuid.UUID, bool, error) {
	if err := validation.ValidateTicket(raw); err != nil {
		return uuid.Nil, false, err
	}

	rawItems, err := json.Marshal(raw.Items)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal raw items: %w", err)
	}

	t := &model.Transaction{
		ID:            uuid.New(),
		TicketID:      raw.TicketID,
		OwnerToken:    raw.OwnerToken,
		DeclaredTotal: raw.Total,
		RawItems:      rawItems,
		Status:        model.StatusPending,
	}

	id, err := s.repo.CreateTransaction(ctx, t)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateTicket) {
			return id, true, nil
		}
		return uuid.Nil, false, err
	}

	s.enqueue(id)
	return id, false, nil
}

// GetTransactionByTicket возвращает транзакцию по ticket id.
func (s *Service) GetTransactionByTicket(ctx context.Context, ticketID string) (*model.Transaction, error) {
	return s.repo.GetTransactionByTicket(ctx, ticketID)
}

// enqueue передаёт транзакцию воркерам, не блокируя вызывающий HTTP-запрос.
func (s *Service) enqueue(id uuid.UUID) {
	select {
	case s.queue <- id:
	default:
		// Очередь переполнена: досылаем из отдельной горутины
		go func() { s.queue <- id }()
	}
}

// StartWorkers запускает фоновых воркеров обработки очереди транзакций.
func (s *Service) StartWorkers(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-s.queue:
					s.ProcessTransaction(ctx, id)
				}
			}
		}()
	}
}

// ProcessTransaction прогоняет транзакцию через конвейер: нормализация,
// сопоставление, расчёт баллов, синхронизация с реестром, финальный статус.
// Исключения не покидают этот метод: любой сбой до финализации фиксируется
// статусом FAILED с текстом ошибки.
func (s *Service) ProcessTransaction(ctx context.Context, id uuid.UUID) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("pipeline panic", zap.String("transactionID", id.String()), zap.Any("panic", rec))
			_ = s.repo.FinalizeTransaction(ctx, id, model.StatusFailed, fmt.Sprintf("panic: %v", rec), false)
		}
	}()

	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		s.logger.Error("load transaction", zap.String("transactionID", id.String()), zap.Error(err))
		return
	}

	// Защита от двойной обработки: без явного reprocess транзакция
	// обрабатывается ровно один раз.
	if t.Status != model.StatusPending {
		s.logger.Warn("transaction not pending, skipping",
			zap.String("transactionID", id.String()), zap.String("status", string(t.Status)))
		return
	}

	if err := s.runPipeline(ctx, t); err != nil {
		s.logger.Error("pipeline failed",
			zap.String("transactionID", id.String()), zap.String("ticketID", t.TicketID), zap.Error(err))
		_ = s.repo.FinalizeTransaction(ctx, id, model.StatusFailed, err.Error(), false)
	}
}

func (s *Service) runPipeline(ctx context.Context, t *model.Transaction) error {
	var rawItems []model.RawLineItem
	if err := json.Unmarshal(t.RawItems, &rawItems); err != nil {
		return fmt.Errorf("unmarshal raw items: %w", err)
	}

	items := s.normalizer.Normalize(model.RawTicket{
		TicketID:   t.TicketID,
		OwnerToken: t.OwnerToken,
		Total:      t.DeclaredTotal,
		Items:      rawItems,
	})

	catalog, err := s.repo.ActiveProducts(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	res := s.matcher.Match(items, catalog)

	t.MatchRecords = res.Records
	t.EligibleAmount = res.EligibleAmount
	t.MatchedCount = res.MatchedCount
	t.UnmatchedCount = res.UnmatchedCount
	t.MatchRate = res.MatchRate
	t.Points = points.Calculate(res.EligibleAmount, s.rules)

	if err := s.repo.SaveMatchResults(ctx, t); err != nil {
		return fmt.Errorf("save match results: %w", err)
	}

	awarded := false
	if t.Points > 0 {
		awarded = s.awardPoints(ctx, t.OwnerToken, t.Points)
	}

	status := model.StatusPartial
	if res.MatchedCount > 0 {
		status = model.StatusSuccess
	}

	if err := s.repo.FinalizeTransaction(ctx, t.ID, status, "", awarded); err != nil {
		return fmt.Errorf("finalize transaction: %w", err)
	}

	s.logger.Info("ticket processed",
		zap.String("ticketID", t.TicketID),
		zap.String("status", string(status)),
		zap.Int64("points", t.Points),
		zap.Float64("matchRate", res.MatchRate),
	)
	return nil
}

// awardPoints синхронизирует заработанные баллы с внешним реестром.
// Сбой чтения трактуется как нулевой баланс и не останавливает конвейер;
// сбой записи после исчерпания повторов оставляет pointsAwarded=false.
func (s *Service) awardPoints(ctx context.Context, ownerToken string, earned int64) bool {
	current, err := s.ledger.FetchBalance(ctx, ownerToken)
	if err != nil {
		s.logger.Warn("ledger read failed, assuming zero balance",
			zap.String("ownerToken", ownerToken), zap.Error(err))
		current = 0
	}

	newTotal := current + earned
	if err := s.ledger.PushBalance(ctx, ownerToken, newTotal); err != nil {
		s.logger.Error("ledger write failed after retries",
			zap.String("ownerToken", ownerToken), zap.Int64("total", newTotal), zap.Error(err))
		return false
	}

	if err := s.repo.SaveOwnerBalance(ctx, ownerToken, newTotal); err != nil {
		s.logger.Warn("mirror balance to local cache", zap.Error(err))
	}

	// Уведомление — чистый best-effort: его неуспех не влияет на итог
	if err := s.ledger.Notify(ctx, ownerToken, earned); err != nil {
		s.logger.Warn("owner notification failed",
			zap.String("ownerToken", ownerToken), zap.Error(err))
	}

	return true
}

// Reprocess возвращает транзакцию в PENDING и ставит её в очередь заново.
// Завершённая транзакция принимается только с явным force.
func (s *Service) Reprocess(ctx context.Context, ticketID string, force bool) (uuid.UUID, error) {
	t, err := s.repo.GetTransactionByTicket(ctx, ticketID)
	if err != nil {
		return uuid.Nil, err
	}

	if t.Status.Terminal() && !force {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, t.Status)
	}

	if err := s.repo.ResetTransaction(ctx, t.ID); err != nil {
		return uuid.Nil, err
	}

	s.enqueue(t.ID)
	return t.ID, nil
}

// ForceMatch привязывает несопоставленную строку чека к выбранному товару
// каталога, пересчитывает зачётную сумму и баллы транзакции и доначисляет
// положительную разницу в реестр с той же политикой повторов.
func (s *Service) ForceMatch(ctx context.Context, ticketID string, itemIndex int, productID int64, note, actor string) (*model.Transaction, error) {
	if err := validation.ValidateNote("note", note, minNoteLen); err != nil {
		return nil, err
	}

	t, err := s.repo.GetTransactionByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if itemIndex < 0 || itemIndex >= len(t.MatchRecords) {
		return nil, fmt.Errorf("%w: %d", ErrItemIndex, itemIndex)
	}

	rec := &t.MatchRecords[itemIndex]
	if rec.Matched() && rec.Strategy != model.StrategyForced {
		return nil, fmt.Errorf("%w: item %d", ErrItemAlreadyMatched, itemIndex)
	}

	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: product %d is inactive", repository.ErrProductNotFound, productID)
	}

	rec.ProductID = &p.ID
	rec.ProductName = p.Name
	rec.Strategy = model.StrategyForced
	rec.Confidence = 1
	rec.EligibleAmount = rec.Item.UnitPrice * float64(rec.Item.Quantity)

	prevPoints := t.Points
	recalcTotals(t)
	t.Points = points.Calculate(t.EligibleAmount, s.rules)
	delta := t.Points - prevPoints

	if err := s.repo.SaveMatchResults(ctx, t); err != nil {
		return nil, fmt.Errorf("save match results: %w", err)
	}

	if delta > 0 {
		current, err := s.ledger.FetchBalance(ctx, t.OwnerToken)
		if err != nil {
			s.logger.Warn("ledger read failed, assuming zero balance", zap.Error(err))
			current = 0
		}

		newTotal := current + delta
		if err := s.ledger.PushBalance(ctx, t.OwnerToken, newTotal); err != nil {
			return nil, fmt.Errorf("push forced delta: %w", err)
		}

		adj := &model.PointsAdjustment{
			ID:            uuid.New(),
			TransactionID: &t.ID,
			OwnerToken:    t.OwnerToken,
			Delta:         delta,
			Reason:        note,
			Before:        current,
			After:         newTotal,
			Actor:         actor,
		}
		if err := s.repo.CreateAdjustment(ctx, adj, newTotal); err != nil {
			return nil, fmt.Errorf("record adjustment: %w", err)
		}
	}

	s.logger.Info("line item force-matched",
		zap.String("ticketID", ticketID),
		zap.Int("itemIndex", itemIndex),
		zap.Int64("productID", productID),
		zap.Int64("pointsDelta", delta),
		zap.String("actor", actor),
	)
	return t, nil
}

// AdjustPoints применяет прямую корректировку баланса владельца: читает
// текущий баланс реестра, проверяет, что итог не уходит ниже нуля,
// перезаписывает баланс и атомарно фиксирует запись аудита.
func (s *Service) AdjustPoints(ctx context.Context, ownerToken string, delta int64, reason, actor string) (*model.PointsAdjustment, error) {
	if delta == 0 {
		return nil, &validation.TicketError{Fields: map[string]string{"delta": "must be non-zero"}}
	}
	if err := validation.ValidateNote("reason", reason, minNoteLen); err != nil {
		return nil, err
	}

	current, err := s.ledger.FetchBalance(ctx, ownerToken)
	if err != nil {
		s.logger.Warn("ledger read failed, assuming zero balance", zap.Error(err))
		current = 0
	}

	newTotal := current + delta
	if newTotal < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeBalance, newTotal)
	}

	if err := s.ledger.PushBalance(ctx, ownerToken, newTotal); err != nil {
		return nil, fmt.Errorf("push adjusted balance: %w", err)
	}

	adj := &model.PointsAdjustment{
		ID:         uuid.New(),
		OwnerToken: ownerToken,
		Delta:      delta,
		Reason:     reason,
		Before:     current,
		After:      newTotal,
		Actor:      actor,
	}
	if err := s.repo.CreateAdjustment(ctx, adj, newTotal); err != nil {
		return nil, fmt.Errorf("record adjustment: %w", err)
	}

	s.logger.Info("points adjusted",
		zap.String("ownerToken", ownerToken),
		zap.Int64("delta", delta),
		zap.Int64("newTotal", newTotal),
		zap.String("actor", actor),
	)
	return adj, nil
}

func recalcTotals(t *model.Transaction) {
	t.EligibleAmount = 0
	t.MatchedCount = 0
	t.UnmatchedCount = 0

	for _, rec := range t.MatchRecords {
		if rec.Matched() {
			t.MatchedCount++
			t.EligibleAmount += rec.EligibleAmount
		} else {
			t.UnmatchedCount++
		}
	}

	if len(t.MatchRecords) > 0 {
		t.MatchRate = float64(t.MatchedCount) / float64(len(t.MatchRecords)) * 100
	}
}
