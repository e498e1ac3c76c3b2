// Command sync kicks off a sync run: the `run` CLI verb.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
	"github.com/market-sync/internal/types"
)

func main() {
	var (
		category = flag.String("category", "", "Category filter")
		keyword  = flag.String("keyword", "", "Keyword filter")
		limit    = flag.Int("limit", 0, "Maximum records to process")
		syncType = flag.String("type", "product", "Sync type: product or supplier")
	)
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--category X] [--keyword K] [--limit N] [--type product|supplier]\n", os.Args[0])
		os.Exit(2)
	}

	var taskName string
	var st types.SyncType
	switch *syncType {
	case "product":
		taskName, st = "sync.products", types.SyncProduct
	case "supplier":
		taskName, st = "sync.suppliers", types.SyncSupplier
	default:
		fmt.Fprintf(os.Stderr, "Unknown sync type %q\n", *syncType)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(3)
	}
	logging.InitGlobalLogger(logging.ParseLevel(cfg.Logging.Level), logging.LogFormat(cfg.Logging.Format))

	postgres, err := storage.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Postgres: %v\n", err)
		os.Exit(4)
	}
	defer postgres.Close()
	store := storage.NewPostgresStore(postgres)

	redisClient, err := storage.NewRedisClient(&cfg.Queue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Redis: %v\n", err)
		os.Exit(4)
	}
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client(), cfg.Queue.HighWaterMark, cfg.Queue.LowWaterMark)

	ctx := context.Background()
	run := &models.SyncRun{
		TaskID:        uuid.NewString(),
		TaskName:      taskName,
		OperationType: types.OperationManual,
		SyncType:      st,
		Status:        types.RunPending,
		Filter: models.SourceFilter{
			CategoryID: *category,
			Keyword:    *keyword,
			Limit:      *limit,
		},
	}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create sync run: %v\n", err)
		os.Exit(4)
	}

	workID, err := q.Enqueue(ctx, taskName, map[string]string{"task_id": run.TaskID}, queue.EnqueueOptions{
		Queue:    types.QueueDataSync,
		Priority: types.PriorityNormal,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enqueue work: %v\n", err)
		os.Exit(4)
	}

	fmt.Printf("Sync run created\n  task_id: %s\n  work_id: %s\n", run.TaskID, workID)
}
