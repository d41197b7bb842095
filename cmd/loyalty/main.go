// Package main запускает HTTP-сервер сервиса лояльности.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ndelacroix/loyalty-system/internal/config"
	"github.com/ndelacroix/loyalty-system/internal/handler"
	"github.com/ndelacroix/loyalty-system/internal/ledger"
	"github.com/ndelacroix/loyalty-system/internal/lexicon"
	"github.com/ndelacroix/loyalty-system/internal/middleware"
	"github.com/ndelacroix/loyalty-system/internal/points"
	"github.com/ndelacroix/loyalty-system/internal/repository"
	"github.com/ndelacroix/loyalty-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var ledgerClient *ledger.Client
	if cfg.LedgerAddress != "" {
		ledgerClient = ledger.NewClient(cfg.LedgerAddress, cfg.LedgerAPIKey)
	}

	rules := points.Rules{
		Ratio:     cfg.PointsRatio,
		Rounding:  points.ParseRoundingMode(cfg.PointsRounding),
		MinAmount: cfg.PointsMinTotal,
	}

	svc := service.NewService(repo, ledgerClient, rules, lexicon.Default(), logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых воркеров обработки транзакций
	g.Go(func() error {
		svc.StartWorkers(ctx, cfg.WorkerCount)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting loyalty server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
