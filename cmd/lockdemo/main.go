package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rl1809/record-locks/internal/adapter/storage"
	"github.com/rl1809/record-locks/internal/config"
	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/core/scenario"
	"github.com/rl1809/record-locks/internal/core/service"
	"github.com/rl1809/record-locks/internal/logger"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "lockdemo"})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("lockdemo failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	store, err := storage.Open(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := service.NewProductService(store, cfg.LockTimeout, zl)
	runner := scenario.NewRunner(svc, cfg.ScenarioFirstDelay, cfg.ScenarioSecondDelay, zl)

	for _, kind := range []domain.Kind{domain.KindPlain, domain.KindVersioned} {
		if _, err := runner.Policies(ctx, kind); err != nil {
			return err
		}
	}

	versioned, err := runner.Versioned(ctx)
	if err != nil {
		return err
	}
	check(zl, "versioned: slower writer conflicts",
		errors.Is(versioned.Errors(), domain.ErrVersionConflict) && versioned.Final.SalePrice.StringFixed(2) == "200.00")

	plain, err := runner.Plain(ctx)
	if err != nil {
		return err
	}
	check(zl, "plain: slower writer overwrites silently",
		plain.Errors() == nil && plain.Final.SalePrice.StringFixed(2) == "300.00")

	serialized, err := runner.LockAtRead(ctx)
	if err != nil {
		return err
	}
	check(zl, "lock-at-read: writers serialized",
		serialized.Errors() == nil && serialized.Final.SalePrice.StringFixed(2) == "250.00")

	noTx, err := runner.WithoutTransaction(ctx)
	if err != nil {
		return err
	}
	check(zl, "no transaction: update rejected",
		errors.Is(noTx.Errors(), domain.ErrNoActiveTransaction) && noTx.Final.Version == 0)

	return nil
}

func check(zl *zap.Logger, name string, ok bool) {
	if ok {
		zl.Info("PASS", zap.String("check", name))
		return
	}
	zl.Warn("FAIL", zap.String("check", name))
}
