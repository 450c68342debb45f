package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/bootstrap"
	"github.com/rl1809/stock-sync/internal/port"
)

var (
	seedItem string
	seedQty  int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Set an item's durable row and Redis counter",
	Long: `seed applies the schema, upserts the durable stock row and resets the
Redis counter under the item lock. Run it while no writer is consuming.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedItem == "" || seedQty < 0 {
			return fmt.Errorf("--item is required and --qty must be non-negative")
		}

		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := cmd.Context()

		infra, err := bootstrap.Connect(ctx, cfg, log, bootstrap.Options{SkipBroker: true})
		if err != nil {
			return err
		}
		defer infra.Close()

		ledger := storage.NewMySQLAdapter(infra.DB)
		if err := ledger.ApplySchema(ctx); err != nil {
			return err
		}

		counter := storage.NewRedisAdapter(infra.Redis)
		locker := storage.NewRedisLocker(infra.Redis, log)

		err = locker.WithLock(ctx, port.StockLockKey(seedItem), uuid.NewString(), cfg.Lock.Options(), func(ctx context.Context) error {
			if err := ledger.UpsertStock(ctx, seedItem, seedQty); err != nil {
				return err
			}
			return counter.Initialize(ctx, seedItem, seedQty)
		})
		if err != nil {
			return err
		}

		log.Info("item seeded", zap.String("item_id", seedItem), zap.Int64("quantity", seedQty))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedItem, "item", "", "item id")
	seedCmd.Flags().Int64Var(&seedQty, "qty", 0, "quantity to set")
}
