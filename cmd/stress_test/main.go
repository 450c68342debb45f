package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/bootstrap"
	"github.com/rl1809/stock-sync/internal/config"
	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/core/service"
	"github.com/rl1809/stock-sync/internal/logger"
	"github.com/rl1809/stock-sync/internal/port"
)

var (
	configDir     string
	itemID        string
	initialStock  int64
	totalRequests int
	copies        int
	settleTimeout time.Duration
)

// duplicatingPublisher sends every event several times to exercise the
// writer's deduplication.
type duplicatingPublisher struct {
	next   port.DeductionPublisher
	copies int
}

func (p duplicatingPublisher) Publish(ctx context.Context, req domain.DeductionRequest) error {
	for i := 0; i < p.copies; i++ {
		if err := p.next.Publish(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "stress_test",
	Short: "Fire concurrent deductions and check both stores converge",
	Long: `stress_test seeds one item, fires concurrent deductions through the
producer path with duplicated publishes, then waits for the running server's
batch writer to bring the durable row to the same value as the counter.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configDir, "config-dir", ".", "directory holding the optional .env file")
	rootCmd.Flags().StringVar(&itemID, "item", "stress-item", "item id")
	rootCmd.Flags().Int64Var(&initialStock, "initial", 100000, "initial stock")
	rootCmd.Flags().IntVar(&totalRequests, "requests", 100, "concurrent deductions of one unit")
	rootCmd.Flags().IntVar(&copies, "copies", 2, "times each event is published")
	rootCmd.Flags().DurationVar(&settleTimeout, "settle-timeout", 30*time.Second, "how long to wait for the durable row")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	infra, err := bootstrap.Connect(ctx, cfg, log, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer infra.Close()

	ledger := storage.NewMySQLAdapter(infra.DB)
	if err := ledger.ApplySchema(ctx); err != nil {
		return err
	}
	if err := ledger.UpsertStock(ctx, itemID, initialStock); err != nil {
		return err
	}

	counter := storage.NewRedisAdapter(infra.Redis)
	locker := storage.NewRedisLocker(infra.Redis, log)
	publisher := duplicatingPublisher{next: infra.Bridge, copies: copies}
	stockService := service.NewStockService(counter, publisher, locker, cfg.Lock.Options(), log)

	if err := stockService.Reset(ctx, itemID, initialStock); err != nil {
		return err
	}

	var successCount, soldOutCount, errorCount atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := stockService.Deduct(ctx, itemID, 1)
			switch {
			case err != nil:
				errorCount.Add(1)
				log.Warn("deduct failed", zap.Error(err))
			case res.Success:
				successCount.Add(1)
			default:
				soldOutCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	expected := initialStock - success

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Publish Copies:   %d\n", copies)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	fast, err := counter.Get(ctx, itemID)
	if err != nil {
		return err
	}
	fmt.Printf("Final Redis Stock: %d\n", fast)

	if fast == expected {
		fmt.Printf("PASS: counter at %d\n", expected)
	} else {
		fmt.Printf("FAIL: expected counter %d, got %d\n", expected, fast)
	}

	durable, err := waitForDurable(ctx, ledger, expected)
	if err != nil {
		return err
	}
	fmt.Printf("Final MySQL Stock: %d\n", durable)

	if durable == expected {
		fmt.Println("PASS: durable row converged, duplicates applied once")
	} else {
		fmt.Printf("FAIL: expected durable row %d, got %d after %v\n", expected, durable, settleTimeout)
	}

	return nil
}

// waitForDurable polls the durable row until it reaches want or the settle
// timeout elapses, and returns the last value read.
func waitForDurable(ctx context.Context, ledger *storage.MySQLAdapter, want int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var last int64
	for {
		row, err := ledger.GetStock(ctx, itemID)
		if err != nil && ctx.Err() == nil {
			return 0, err
		}
		if row != nil {
			last = row.Quantity
			if last == want {
				return last, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}
	}
}
