package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-sync/internal/adapter/handler"
	"github.com/rl1809/stock-sync/internal/adapter/metrics"
	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/bootstrap"
	"github.com/rl1809/stock-sync/internal/config"
	"github.com/rl1809/stock-sync/internal/core/handoff"
	"github.com/rl1809/stock-sync/internal/core/service"
	"github.com/rl1809/stock-sync/internal/core/writer"
	"github.com/rl1809/stock-sync/internal/tracing"
)

var warmup bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the broker consumer and the batch writer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&warmup, "warmup", false, "copy durable stock rows into the Redis counters before serving")
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	tp, err := tracing.InitTracerProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	// runs last so spans from the shutdown path are flushed too
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
		log.Info("tracer provider stopped")
	}()
	log.Info("tracing initialized",
		zap.String("exporter", cfg.Tracing.Exporter),
		zap.Float64("sample_ratio", cfg.Tracing.SampleRatio),
	)

	infra, err := bootstrap.Connect(ctx, cfg, log, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Warn("close connections", zap.Error(err))
		}
		log.Info("connections closed")
	}()

	ledger := storage.NewMySQLAdapter(infra.DB)
	if err := ledger.ApplySchema(ctx); err != nil {
		return err
	}

	counter := storage.NewRedisAdapter(infra.Redis)
	locker := storage.NewRedisLocker(infra.Redis, log)
	stockService := service.NewStockService(counter, infra.Bridge, locker, cfg.Lock.Options(), log)

	if warmup {
		rows, err := ledger.ListStock(ctx)
		if err != nil {
			return fmt.Errorf("load durable stock: %w", err)
		}
		if err := stockService.Warmup(ctx, rows); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(registry)

	queue := handoff.New()
	sink.RegisterBacklog(queue.Len)

	batchWriter := writer.New(queue, ledger, infra.Bridge, sink, log, cfg.Writer.Writer())

	mux := http.NewServeMux()
	handler.NewHTTPHandler(stockService, log).Routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	grpcServer := grpc.NewServer()
	health := handler.NewGRPCHandler(stockService, log).Register(grpcServer)

	var lis net.Listener
	if cfg.Server.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer queue.Close()
		return infra.Bridge.Consume(gctx, queue)
	})

	g.Go(func() error {
		return batchWriter.Run(gctx)
	})

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		log.Info("HTTP server stopped")
		return nil
	})

	if lis != nil {
		g.Go(func() error {
			log.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			health.Shutdown()
			grpcServer.GracefulStop()
			log.Info("gRPC server stopped")
			return nil
		})
	}

	err = g.Wait()

	stats := batchWriter.Stats()
	log.Info("batch writer stats",
		zap.Uint64("batches", stats.Batches),
		zap.Uint64("committed", stats.Committed),
		zap.Uint64("duplicates", stats.Duplicates),
		zap.Uint64("failures", stats.Failures),
		zap.Uint64("drifts", stats.Drifts),
		zap.Int("unsettled_backlog", queue.Len()),
	)

	return err
}
