// Command worker runs a worker pool bound to a queue subset.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/fetch"
	"github.com/market-sync/internal/identity"
	"github.com/market-sync/internal/images"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/supervise"
	syncpipe "github.com/market-sync/internal/sync"
	"github.com/market-sync/internal/worker"
)

func main() {
	var (
		queuesFlag = flag.String("queues", "", "Comma-separated queue subset (default from config)")
		sourceURL  = flag.String("source", "https://www.1688.com", "Marketplace base URL")
	)
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--queues a,b] [--source URL]\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(3)
	}
	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.LogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("worker_main")

	queues := cfg.Queue.Queues
	if *queuesFlag != "" {
		queues = strings.Split(*queuesFlag, ",")
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Postgres")
		os.Exit(4)
	}
	defer postgres.Close()
	store := storage.NewPostgresStore(postgres)

	redisClient, err := storage.NewRedisClient(&cfg.Queue)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		os.Exit(4)
	}
	defer redisClient.Close()

	q := queue.NewRedisQueue(redisClient.Client(), cfg.Queue.HighWaterMark, cfg.Queue.LowWaterMark)

	// Optional observability sink
	var sink supervise.EventWriter
	if cfg.ClickHouse.Addr != "" {
		ch, err := storage.NewClickHouseDB(&cfg.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, continuing without event sink")
		} else {
			defer ch.Close()
			sink = ch
		}
	}
	supervisor := supervise.New(q, sink, supervise.DefaultThresholds())

	pool := identity.NewPool(identity.Config{
		UserAgents:  cfg.Crawler.UserAgents,
		Proxies:     cfg.Crawler.Proxies,
		HostQPS:     cfg.Crawler.HostQPS,
		HostBurst:   cfg.Crawler.HostBurst,
		AcquireWait: cfg.Crawler.AcquireWait,
	})
	fetcher := fetch.NewFetcher(pool, fetch.Config{
		MinDelay:      cfg.Crawler.DownloadDelay,
		TotalTimeout:  cfg.Crawler.TotalTimeout,
		RespectRobots: cfg.Crawler.RespectRobots,
	})

	objectStore, err := images.NewStore(cfg.Images.Dir)
	if err != nil {
		logger.WithError(err).Error("Failed to open image store")
		os.Exit(4)
	}

	registry := worker.NewRegistry()
	coordinator := syncpipe.NewCoordinator(store, q, fetcher, &syncpipe.Source{BaseURL: *sourceURL}, supervisor)
	coordinator.Register(registry)
	coordinator.RegisterCrawlHandlers(registry)
	syncpipe.NewBatchHandlers(coordinator, cfg.DataDir).Register(registry)
	images.NewHandlers(store, objectStore, fetcher, cfg.Images.ThumbnailEdge, cfg.Images.MaxEdge).Register(registry)

	workerPool := worker.NewPool(worker.PoolConfig{
		Workers:      cfg.Queue.Workers,
		Queues:       queues,
		LeaseTTL:     cfg.Queue.LeaseTTL,
		PollInterval: cfg.Queue.PollInterval,
	}, q, store, registry, supervisor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerPool.Start(ctx)
	supervisor.Heartbeat(workerPool.WorkerID())
	logger.WithField("queues", queues).Info("Worker running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.WithField("signal", sig.String()).Info("Shutting down: draining in-flight work")
	cancel()
	workerPool.Stop()

	if sig == syscall.SIGINT {
		os.Exit(130)
	}
}
