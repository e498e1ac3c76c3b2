// Command scheduler runs the singleton schedule emitter. Multiple
// instances may start; the leader lease picks one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/scheduler"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
)

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(3)
	}
	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.LogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("scheduler_main")

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad SCHEDULER_TIMEZONE: %v\n", err)
		os.Exit(3)
	}

	redisClient, err := storage.NewRedisClient(&cfg.Queue)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		os.Exit(4)
	}
	defer redisClient.Close()

	q := queue.NewRedisQueue(redisClient.Client(), cfg.Queue.HighWaterMark, cfg.Queue.LowWaterMark)
	lease := storage.NewLeaderLease(redisClient, scheduler.LeaseName, cfg.Scheduler.LeaseTTL)
	s := scheduler.New(q, lease, cfg.Scheduler.TickInterval)

	// Standing schedule
	fatalIf := func(err error) {
		if err != nil {
			logger.WithError(err).Error("Failed to register schedule entry")
			os.Exit(3)
		}
	}
	fatalIf(s.AddCron("sync_products_daily", "sync.products", nil,
		types.QueueDataSync, types.PriorityNormal, "0 2 * * *", loc))
	fatalIf(s.AddCron("sync_suppliers_weekly", "sync.suppliers", nil,
		types.QueueDataSync, types.PriorityNormal, "0 3 * * 1", loc))
	fatalIf(s.AddInterval("cleanup_duplicates", "sync.cleanup_duplicates", nil,
		types.QueueDataSync, types.PriorityLow, 6*time.Hour, time.Hour))
	fatalIf(s.AddInterval("revalidate", "sync.validate", nil,
		types.QueueDataSync, types.PriorityLow, 24*time.Hour, 2*time.Hour))
	fatalIf(s.AddInterval("sweep_orphan_images", "image.sweep_orphans", nil,
		types.QueueImage, types.PriorityLow, 12*time.Hour, time.Hour))
	fatalIf(s.AddInterval("prune_checkpoints", "sync.prune_checkpoints", nil,
		types.QueueDefault, types.PriorityLow, 24*time.Hour, 2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	logger.Info("Scheduler running")

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Scheduler shutting down")
		cancel()
		<-errCh
		if sig == syscall.SIGINT {
			os.Exit(130)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Scheduler stopped")
			os.Exit(4)
		}
	}
}
