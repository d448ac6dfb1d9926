package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/escrow-settlement/internal/adapter/lock"
	"github.com/rl1809/escrow-settlement/internal/adapter/storage"
	"github.com/rl1809/escrow-settlement/internal/adapter/treasury"
	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/core/service"
	"github.com/rl1809/escrow-settlement/internal/port"
)

const (
	authority      = "platform"
	buyer          = "buyer-1"
	seller         = "seller-1"
	orderID        = "stress-order"
	amount         = int64(10_000)
	feePercent     = 2
	totalCompletes = 50
	totalOpens     = 50
	distinctOpens  = 10
)

func main() {
	ctx := context.Background()

	// REDIS_ADDR switches the per-order lock to Redis.
	var locker port.KeyLocker = lock.NewLocalLocker()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		locker = storage.NewRedisAdapter(rdb, 5*time.Second)
		fmt.Printf("Using Redis lock at %s\n", addr)
	}

	store := storage.NewMemoryAdapter()
	recorder := treasury.NewRecorder()
	platform, err := service.NewPlatformConfig(domain.PlatformSettings{Authority: authority, FeePercentage: feePercent}, store)
	if err != nil {
		log.Fatalf("failed to build platform config: %v", err)
	}
	orderService, err := service.NewOrderService(store, recorder, locker, platform)
	if err != nil {
		log.Fatalf("failed to build service: %v", err)
	}

	if _, err := orderService.OpenOrder(ctx, service.OpenOrderRequest{
		OrderID: orderID, Buyer: buyer, Seller: seller, Amount: amount, Quantity: 1,
	}); err != nil {
		log.Fatalf("failed to open order: %v", err)
	}

	// Phase 1: the buyer hammers complete on the same order.
	var completed, rejected atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalCompletes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orderService.CompleteOrder(ctx, orderID, buyer)
			switch {
			case err == nil:
				completed.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
				rejected.Add(1)
			default:
				log.Printf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	completeElapsed := time.Since(start)

	// Phase 2: concurrent opens over a handful of ids.
	var opened, duplicates atomic.Int32
	start = time.Now()
	for i := 0; i < totalOpens; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := orderService.OpenOrder(ctx, service.OpenOrderRequest{
				OrderID:  fmt.Sprintf("open-%d", n%distinctOpens),
				Buyer:    buyer,
				Seller:   seller,
				Amount:   amount,
				Quantity: 1,
			})
			switch {
			case err == nil:
				opened.Add(1)
			case errors.Is(err, domain.ErrAlreadyExists):
				duplicates.Add(1)
			default:
				log.Printf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	openElapsed := time.Since(start)

	split := domain.ComputeFee(amount, feePercent)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Complete Requests:  %d\n", totalCompletes)
	fmt.Printf("Completed:          %d\n", completed.Load())
	fmt.Printf("Rejected:           %d\n", rejected.Load())
	fmt.Printf("Seller Received:    %d\n", recorder.Received(seller))
	fmt.Printf("Authority Received: %d\n", recorder.Received(authority))
	fmt.Printf("Duration:           %v\n", completeElapsed)
	fmt.Println("------------------------------------------")
	fmt.Printf("Open Requests:      %d\n", totalOpens)
	fmt.Printf("Opened:             %d\n", opened.Load())
	fmt.Printf("Duplicates:         %d\n", duplicates.Load())
	fmt.Printf("Duration:           %v\n", openElapsed)
	fmt.Println("==========================================")

	if completed.Load() == 1 && rejected.Load() == totalCompletes-1 {
		fmt.Println("PASS: Exactly one complete succeeded")
	} else {
		fmt.Printf("FAIL: Expected 1 success/%d rejected, got %d/%d\n",
			totalCompletes-1, completed.Load(), rejected.Load())
	}

	if recorder.Received(seller) == split.Payout && recorder.Received(authority) == split.Fee {
		fmt.Println("PASS: Single payout and fee released")
	} else {
		fmt.Printf("FAIL: Expected payout %d and fee %d\n", split.Payout, split.Fee)
	}

	if opened.Load() == distinctOpens && duplicates.Load() == totalOpens-distinctOpens {
		fmt.Printf("PASS: Exactly %d orders opened\n", distinctOpens)
	} else {
		fmt.Printf("FAIL: Expected %d opened/%d duplicates, got %d/%d\n",
			distinctOpens, totalOpens-distinctOpens, opened.Load(), duplicates.Load())
	}
}
