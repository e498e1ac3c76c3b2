// Command status prints the supervision summary: the `status` CLI verb.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/queue"
	"github.com/market-sync/internal/storage"
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

	redisClient, err := storage.NewRedisClient(&cfg.Queue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Redis: %v\n", err)
		os.Exit(4)
	}
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client(), cfg.Queue.HighWaterMark, cfg.Queue.LowWaterMark)

	ctx := context.Background()
	depths, err := q.Depths(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read queue depths: %v\n", err)
		os.Exit(4)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPRIORITY\tREADY")
	for _, d := range depths {
		if d.Ready == 0 {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", d.Queue, d.Priority, d.Ready)
	}
	w.Flush()

	postgres, err := storage.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Postgres: %v\n", err)
		os.Exit(4)
	}
	defer postgres.Close()
	store := storage.NewPostgresStore(postgres)

	runs, err := store.ListSyncRuns(ctx, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sync runs: %v\n", err)
		os.Exit(4)
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tPROGRESS\tPROCESSED\tSUCCESS\tFAILED\tSKIPPED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%d\t%d\t%d\t%d\n",
			shortID(run), run.Status, run.Progress,
			run.Counters.Processed, run.Counters.Success, run.Counters.Failed, run.Counters.Skipped)
	}
	w.Flush()
}

func shortID(run *models.SyncRun) string {
	if len(run.TaskID) > 8 {
		return run.TaskID[:8]
	}
	return run.TaskID
}
