package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/record-locks/internal/adapter/storage"
	"github.com/rl1809/record-locks/internal/config"
	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/core/service"
	"github.com/rl1809/record-locks/internal/core/txscope"
	"github.com/rl1809/record-locks/internal/logger"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	zl, err := logger.New(logger.Config{Level: logger.Warning, Format: cfg.LogFormat, Service: "stress_test"})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	store, err := storage.Open(ctx, cfg, zl)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	svc := service.NewProductService(store, cfg.LockTimeout, zl)
	seed, err := svc.Seed(ctx, domain.KindVersioned)
	if err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var conflictCount atomic.Int32
	var otherCount atomic.Int32

	// Spawn concurrent writers, all racing on the same starting version
	var wg sync.WaitGroup
	start := time.Now()
	step := decimal.RequireFromString("1.00")

	for i := 0; i < cfg.StressWriters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpdateInScope(ctx, txscope.Options{}, domain.KindVersioned, seed.ID,
				domain.AddSalePrice(step), domain.PolicyNoLock)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrVersionConflict):
				conflictCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	final, err := svc.Get(ctx, domain.KindVersioned, seed.ID)
	if err != nil {
		log.Fatalf("failed to read product: %v", err)
	}

	// Results
	success := successCount.Load()
	conflicts := conflictCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Backend:          %s\n", cfg.StoreBackend)
	fmt.Printf("Writers:          %d\n", cfg.StressWriters)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Conflicts:        %d\n", conflicts)
	fmt.Printf("Other errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Printf("Final version:    %d\n", final.Version)
	fmt.Printf("Final sale price: %s\n", final.SalePrice.StringFixed(2))
	fmt.Println("==========================================")

	// Assertions
	if final.Version == seed.Version+int64(success) {
		fmt.Println("PASS: version advanced exactly once per successful write")
	} else {
		fmt.Printf("FAIL: expected version %d, got %d\n", seed.Version+int64(success), final.Version)
	}

	expected := seed.SalePrice.Add(step.Mul(decimal.NewFromInt32(success)))
	if final.SalePrice.Equal(expected) {
		fmt.Println("PASS: no lost updates")
	} else {
		fmt.Printf("FAIL: expected sale price %s, got %s\n", expected.StringFixed(2), final.SalePrice.StringFixed(2))
	}
}
