// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ndelacroix/loyalty-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicateTicket возвращается при повторной отправке чека с тем же ticket id.
var (
	ErrDuplicateTicket = errors.New("ticket already submitted")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrProductNotFound возвращается, если товар каталога не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrOperatorExists возвращается при попытке создать оператора с занятым логином.
	ErrOperatorExists = errors.New("operator already exists")
	// ErrOperatorNotFound возвращается, если оператор не найден.
	ErrOperatorNotFound = errors.New("operator not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только временные ошибки: дедлоки, сбои сериализации и сеть
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateOperator создаёт нового оператора.
func (r *PostgresRepository) CreateOperator(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO operators (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrOperatorExists, login)
		}
		return 0, fmt.Errorf("create operator: %w", err)
	}
	return id, nil
}

// GetOperatorByLogin возвращает оператора по логину.
func (r *PostgresRepository) GetOperatorByLogin(ctx context.Context, login string) (*model.Operator, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM operators WHERE login = $1`,
		login,
	)

	var op model.Operator
	err := row.Scan(&op.ID, &op.Login, &op.PasswordHash, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("get operator: %w", err)
	}

	return &op, nil
}

// CreateTransaction сохраняет новую транзакцию в статусе PENDING.
// Дубликат ticket id определяется до создания: возвращается идентификатор
// исходной транзакции и ErrDuplicateTicket, конвейер повторно не запускается.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.Transaction) (uuid.UUID, error) {
	var insertErr error
	err := r.withRetry(ctx, func() error {
		insertErr = nil

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, ticket_id, owner_token, declared_total_cents, raw_items, status)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (ticket_id) DO NOTHING`,
			t.ID, t.TicketID, t.OwnerToken, toCents(t.DeclaredTotal), t.RawItems, string(model.StatusPending),
		)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			var existingID uuid.UUID
			if err := tx.QueryRow(ctx,
				`SELECT id FROM transactions WHERE ticket_id = $1`, t.TicketID,
			).Scan(&existingID); err != nil {
				return fmt.Errorf("select existing transaction: %w", err)
			}
			t.ID = existingID
			insertErr = fmt.Errorf("%w: %s", ErrDuplicateTicket, t.TicketID)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	if insertErr != nil {
		return t.ID, insertErr
	}

	return t.ID, nil
}

const transactionColumns = `id, ticket_id, owner_token, declared_total_cents, raw_items, match_records,
	eligible_cents, points, points_awarded, matched_count, unmatched_count, match_rate,
	status, error_detail, created_at, processed_at`

// GetTransaction возвращает транзакцию по внутреннему идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetTransactionByTicket возвращает транзакцию по ticket id.
func (r *PostgresRepository) GetTransactionByTicket(ctx context.Context, ticketID string) (*model.Transaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE ticket_id = $1`, ticketID)
	return scanTransaction(row)
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t            model.Transaction
		declared     int64
		records      []byte
		eligible     int64
		errorDetail  *string
		processedAt  *time.Time
	)

	err := row.Scan(&t.ID, &t.TicketID, &t.OwnerToken, &declared, &t.RawItems, &records,
		&eligible, &t.Points, &t.PointsAwarded, &t.MatchedCount, &t.UnmatchedCount, &t.MatchRate,
		&t.Status, &errorDetail, &t.CreatedAt, &processedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.DeclaredTotal = fromCents(declared)
	t.EligibleAmount = fromCents(eligible)
	t.ProcessedAt = processedAt
	if errorDetail != nil {
		t.ErrorDetail = *errorDetail
	}
	if len(records) > 0 {
		if err := json.Unmarshal(records, &t.MatchRecords); err != nil {
			return nil, fmt.Errorf("unmarshal match records: %w", err)
		}
	}

	return &t, nil
}

// SaveMatchResults сохраняет промежуточный результат сопоставления и расчёта баллов.
func (r *PostgresRepository) SaveMatchResults(ctx context.Context, t *model.Transaction) error {
	records, err := json.Marshal(t.MatchRecords)
	if err != nil {
		return fmt.Errorf("marshal match records: %w", err)
	}

	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE transactions
			 SET match_records = $2, eligible_cents = $3, points = $4,
			     matched_count = $5, unmatched_count = $6, match_rate = $7
			 WHERE id = $1`,
			t.ID, records, toCents(t.EligibleAmount), t.Points,
			t.MatchedCount, t.UnmatchedCount, t.MatchRate,
		)
		if err != nil {
			return fmt.Errorf("save match results: %w", err)
		}
		return nil
	})
}

// FinalizeTransaction записывает конечный статус и отметку времени обработки.
func (r *PostgresRepository) FinalizeTransaction(ctx context.Context, id uuid.UUID, status model.TransactionStatus, errorDetail string, pointsAwarded bool) error {
	var detail *string
	if errorDetail != "" {
		detail = &errorDetail
	}

	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE transactions
			 SET status = $2, error_detail = $3, points_awarded = $4, processed_at = now()
			 WHERE id = $1`,
			id, string(status), detail, pointsAwarded,
		)
		if err != nil {
			return fmt.Errorf("finalize transaction: %w", err)
		}
		return nil
	})
}

// ResetTransaction возвращает транзакцию в статус PENDING перед повторной обработкой.
func (r *PostgresRepository) ResetTransaction(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = $2, error_detail = NULL, processed_at = NULL
		 WHERE id = $1`,
		id, string(model.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("reset transaction: %w", err)
	}
	return nil
}

// ActiveProducts возвращает активные товары каталога с именами и алиасами.
func (r *PostgresRepository) ActiveProducts(ctx context.Context) ([]model.CatalogProduct, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, COALESCE(sku, ''), aliases, active
		 FROM products
		 WHERE active = TRUE
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.CatalogProduct
	for rows.Next() {
		var p model.CatalogProduct
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Aliases, &p.Active); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetProduct возвращает товар каталога по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.CatalogProduct, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(sku, ''), aliases, active FROM products WHERE id = $1`, id)

	var p model.CatalogProduct
	if err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Aliases, &p.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return &p, nil
}

// SaveOwnerBalance зеркалирует подтверждённый реестром баланс в локальный кэш.
func (r *PostgresRepository) SaveOwnerBalance(ctx context.Context, ownerToken string, balance int64) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO owner_balances (owner_token, balance, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (owner_token) DO UPDATE SET balance = $2, updated_at = now()`,
			ownerToken, balance,
		)
		if err != nil {
			return fmt.Errorf("save owner balance: %w", err)
		}
		return nil
	})
}

// CreateAdjustment атомарно записывает запись аудита корректировки вместе с
// обновлением локального кэша баланса. Строка баланса блокируется для
// сериализации параллельных локальных корректировок одного владельца.
func (r *PostgresRepository) CreateAdjustment(ctx context.Context, adj *model.PointsAdjustment, newBalance int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO owner_balances (owner_token, balance) VALUES ($1, 0)
			 ON CONFLICT (owner_token) DO NOTHING`,
			adj.OwnerToken,
		)
		if err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}

		var dummy int
		if err := tx.QueryRow(ctx,
			`SELECT 1 FROM owner_balances WHERE owner_token = $1 FOR UPDATE`, adj.OwnerToken,
		).Scan(&dummy); err != nil {
			return fmt.Errorf("lock balance row: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO adjustments (id, transaction_id, owner_token, delta, reason, before_points, after_points, actor)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			adj.ID, adj.TransactionID, adj.OwnerToken, adj.Delta, adj.Reason, adj.Before, adj.After, adj.Actor,
		)
		if err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE owner_balances SET balance = $2, updated_at = now() WHERE owner_token = $1`,
			adj.OwnerToken, newBalance,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func fromCents(v int64) float64 {
	return float64(v) / 100
}
