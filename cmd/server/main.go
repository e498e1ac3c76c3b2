// Command server runs the administrative HTTP API and the WebSocket
// push surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/market-sync/internal/api"
	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/supervise"
	syncpipe "github.com/market-sync/internal/sync"
)

func main() {
	var sourceURL = flag.String("source", "https://www.1688.com", "Marketplace base URL")
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--source URL]\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(3)
	}
	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.LogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("server_main")

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

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, store, q, supervisor, &syncpipe.Source{BaseURL: *sourceURL})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Server shutting down")
		if err := server.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("Shutdown incomplete")
		}
		if sig == syscall.SIGINT {
			os.Exit(130)
		}
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Server stopped")
			os.Exit(4)
		}
	}
}
